// Package ipc carries the daemon's local pairing channel. Minting a
// pairing code is a privileged operation: serving it only on a Unix
// socket with owner-only permissions turns "may run sleepd pair" into
// a filesystem question instead of a network one, so it works the same
// with or without TLS on the control port.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/somnus/sleepd/internal/auth"
)

// PairingBackend is the slice of the pairing manager the socket
// exposes. GenerateCode mints a single-use code granting the named
// scopes; an empty scope string asks for the default grant.
type PairingBackend interface {
	GenerateCode(scopes string) (string, error)
	GetCodeExpiry() time.Time
	ActiveCodeScopes() string
}

// GenerateRequest is the optional JSON body of a generate call. A
// missing body mints a code with the default scopes.
type GenerateRequest struct {
	Scopes string `json:"scopes,omitempty"`
}

// GenerateReply echoes the minted code together with the scopes any
// device pairing with it will be granted.
type GenerateReply struct {
	Code   string    `json:"code"`
	Scopes string    `json:"scopes"`
	Expiry time.Time `json:"expiry"`
}

// PairSocketServer answers pairing-code requests on a Unix socket.
// The socket file is created 0600 inside a 0700 directory; anyone who
// can open it is already the daemon's owner.
type PairSocketServer struct {
	path    string
	backend PairingBackend
	logger  *log.Logger

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
}

// NewPairSocketServer wires a pairing backend to the Unix socket at
// path. A nil logger discards background errors.
func NewPairSocketServer(path string, backend PairingBackend, logger *log.Logger) *PairSocketServer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &PairSocketServer{
		path:    path,
		backend: backend,
		logger:  logger,
	}
}

// Start claims the socket and begins serving pairing requests. A stale
// socket file left by a crashed daemon is removed; a socket another
// process still answers on is an error.
func (s *PairSocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("pairing IPC already started")
	}
	if s.path == "" {
		return fmt.Errorf("pairing IPC socket path is empty")
	}
	if s.backend == nil {
		return fmt.Errorf("pairing IPC backend is nil")
	}
	if err := validatePairSocketPath(s.path); err != nil {
		return err
	}

	listener, err := s.claimSocket()
	if err != nil {
		return err
	}

	s.listener = listener
	httpSrv := &http.Server{Handler: s.routes()}
	s.httpSrv = httpSrv

	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("pairing IPC server stopped: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *PairSocketServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stopErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stopErr = fmt.Errorf("failed to stop pairing IPC server: %w", err)
		}
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && stopErr == nil {
			stopErr = fmt.Errorf("failed to remove pairing IPC socket: %w", err)
		}
	}

	s.httpSrv = nil
	s.listener = nil

	return stopErr
}

func (s *PairSocketServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pair/generate", s.handleGenerate)
	return mux
}

// handleGenerate mints a pairing code. Local callers may narrow the
// grant to observe-only; an unknown scope is rejected without touching
// any code already on display.
func (s *PairSocketServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	code, err := s.backend.GenerateCode(req.Scopes)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidScope) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Printf("pairing code generation failed: %v", err)
		http.Error(w, "failed to generate pairing code", http.StatusInternalServerError)
		return
	}

	scopes := s.backend.ActiveCodeScopes()
	s.logger.Printf("pairing code issued scopes=%s", scopes)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(GenerateReply{
		Code:   code,
		Scopes: scopes,
		Expiry: s.backend.GetCodeExpiry(),
	}); err != nil {
		s.logger.Printf("failed to encode pairing reply: %v", err)
	}
}

// claimSocket prepares the socket directory, clears any stale socket
// file, binds the listener, and locks the file down to the owner.
func (s *PairSocketServer) claimSocket() (net.Listener, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create pairing socket directory: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to set pairing socket directory permissions: %w", err)
	}

	if err := s.clearStaleSocket(); err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on pairing IPC socket: %w", err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		listener.Close()
		_ = os.Remove(s.path)
		return nil, fmt.Errorf("failed to set pairing socket permissions: %w", err)
	}
	return listener, nil
}

// clearStaleSocket removes a leftover socket file, but only after a
// probe dial confirms nothing is answering on it.
func (s *PairSocketServer) clearStaleSocket() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat pairing socket: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("pairing socket path is not a socket: %s", s.path)
	}

	conn, err := net.DialTimeout("unix", s.path, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("pairing IPC socket already in use: %s", s.path)
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("permission denied accessing pairing IPC socket: %w", err)
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale pairing IPC socket: %w", err)
	}
	return nil
}
