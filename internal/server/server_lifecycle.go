package server

// server_lifecycle.go contains server startup and shutdown. The async
// starters bind the control port before returning so an address
// conflict fails the start command instead of a background goroutine.

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
)

// TLSConfig holds the certificate pair the control port serves.
type TLSConfig struct {
	// CertPath is the path to the TLS certificate file.
	CertPath string
	// KeyPath is the path to the TLS private key file.
	KeyPath string
}

// Start listens and serves on the configured address, blocking until
// Stop is called. Most callers want StartAsync instead.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.createMux(),
	}

	go s.runBroadcaster()

	log.Printf("server: listening on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// StartAsync serves plaintext HTTP/WS in the background. The returned
// channel yields nil once the listener is bound, or the bind error.
func (s *Server) StartAsync() <-chan error {
	return s.startAsync(nil)
}

// StartAsyncTLS serves HTTPS/WSS in the background using the given
// certificate pair. Plaintext connection attempts are rejected at the
// TLS handshake.
func (s *Server) StartAsyncTLS(tlsCfg TLSConfig) <-chan error {
	return s.startAsync(&tlsCfg)
}

func (s *Server) startAsync(tlsCfg *TLSConfig) <-chan error {
	errCh := make(chan error, 1)
	fail := func(err error) <-chan error {
		errCh <- err
		close(errCh)
		return errCh
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fail(fmt.Errorf("failed to listen on %s: %w", s.addr, err))
	}

	label := ""
	if tlsCfg != nil {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
		if err != nil {
			ln.Close()
			return fail(fmt.Errorf("failed to load TLS certificate: %w", err))
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		label = " (TLS enabled)"
	}

	s.httpServer = &http.Server{Handler: s.createMux()}

	go s.runBroadcaster()

	go func() {
		log.Printf("server: listening on %s%s", s.addr, label)
		errCh <- nil
		close(errCh)

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	return errCh
}

// Stop shuts the server down. Clients are told to close via their done
// channels (writePump owns the connection, so Stop never writes to it
// directly), the broadcast channel is closed so runBroadcaster exits,
// and only then is the HTTP server torn down. Safe to call twice.
func (s *Server) Stop() error {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)

	// stopped=true above keeps concurrent Broadcast calls from sending
	// on the channel we are about to close.
	close(s.broadcast)

	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}
