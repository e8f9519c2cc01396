// Package tls mints and loads the daemon's self-signed certificate.
// The certificate doubles as the machine's pairing identity: its
// SHA-256 fingerprint rides along in QR payloads and mDNS TXT records
// so a controller can pin the exact daemon it paired with.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CertConfig holds configuration for certificate generation.
type CertConfig struct {
	// CertPath is the path to write the certificate file.
	// If empty, defaults to ~/.sleepd/certs/sleepd.crt
	CertPath string

	// KeyPath is the path to write the private key file.
	// If empty, defaults to ~/.sleepd/certs/sleepd.key
	KeyPath string

	// Hosts is a list of hostnames and IP addresses for the certificate.
	// The machine's own hostname is always added; if the list is empty
	// the cert covers localhost and 127.0.0.1 besides it.
	Hosts []string

	// ValidDuration is how long the certificate should be valid.
	// If zero, defaults to 365 days.
	ValidDuration time.Duration

	// Organization is the organization name in the certificate subject.
	// If empty, defaults to "sleepd".
	Organization string
}

// CertInfo describes a loaded or freshly minted certificate.
type CertInfo struct {
	// CertPath and KeyPath are where the pair lives on disk.
	CertPath string
	KeyPath  string

	// Identity is the certificate's common name. Generated certs use
	// "sleepd@<hostname>" so a controller managing several machines can
	// tell the grants apart.
	Identity string

	// Fingerprint is the SHA-256 of the DER certificate, formatted as
	// colon-separated uppercase hex. Controllers pin this value.
	Fingerprint string

	// NotBefore and NotAfter bound the validity window.
	NotBefore time.Time
	NotAfter  time.Time

	// IsGenerated is true when the pair was minted by this call rather
	// than loaded from disk.
	IsGenerated bool
}

// Expired reports whether the certificate's validity window has closed.
func (ci *CertInfo) Expired(now time.Time) bool {
	return now.After(ci.NotAfter)
}

// DefaultCertPath returns ~/.sleepd/certs/sleepd.crt.
func DefaultCertPath() (string, error) {
	return defaultCertFile("sleepd.crt")
}

// DefaultKeyPath returns ~/.sleepd/certs/sleepd.key.
func DefaultKeyPath() (string, error) {
	return defaultCertFile("sleepd.key")
}

func defaultCertFile(name string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".sleepd", "certs", name), nil
}

// EnsureCertificate loads the daemon's certificate, minting a new one
// when either file is missing or the existing certificate has expired.
// Regeneration changes the fingerprint, which means paired controllers
// must re-verify; serving a dead certificate would break them anyway.
func EnsureCertificate(cfg CertConfig) (*CertInfo, error) {
	certPath := cfg.CertPath
	keyPath := cfg.KeyPath
	if certPath == "" {
		var err error
		certPath, err = DefaultCertPath()
		if err != nil {
			return nil, err
		}
	}
	if keyPath == "" {
		var err error
		keyPath, err = DefaultKeyPath()
		if err != nil {
			return nil, err
		}
	}

	if fileExists(certPath) && fileExists(keyPath) {
		info, err := LoadCertificate(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		if !info.Expired(time.Now()) {
			return info, nil
		}
	}

	genCfg := cfg
	genCfg.CertPath = certPath
	genCfg.KeyPath = keyPath
	info, err := GenerateCertificate(genCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return info, nil
}

// LoadCertificate loads an existing certificate and computes its fingerprint.
func LoadCertificate(certPath, keyPath string) (*CertInfo, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}

	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &CertInfo{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Identity:    x509Cert.Subject.CommonName,
		Fingerprint: ComputeFingerprint(x509Cert),
		NotBefore:   x509Cert.NotBefore,
		NotAfter:    x509Cert.NotAfter,
		IsGenerated: false,
	}, nil
}

// GenerateCertificate mints a self-signed certificate naming this
// machine and writes the pair to the configured paths.
func GenerateCertificate(cfg CertConfig) (*CertInfo, error) {
	template, err := identityTemplate(cfg)
	if err != nil {
		return nil, err
	}

	// P-256 keeps the key small and handshakes fast on the battery-
	// powered controllers that typically connect.
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	if err := writeCertFiles(cfg.CertPath, cfg.KeyPath, derBytes, privateKey); err != nil {
		return nil, err
	}

	x509Cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return &CertInfo{
		CertPath:    cfg.CertPath,
		KeyPath:     cfg.KeyPath,
		Identity:    template.Subject.CommonName,
		Fingerprint: ComputeFingerprint(x509Cert),
		NotBefore:   template.NotBefore,
		NotAfter:    template.NotAfter,
		IsGenerated: true,
	}, nil
}

// identityTemplate builds the certificate template for this machine.
// The common name carries the hostname, and the hostname is also a SAN
// so controllers can dial the machine by name instead of address.
func identityTemplate(cfg CertConfig) (*x509.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	organization := cfg.Organization
	if organization == "" {
		organization = "sleepd"
	}

	commonName := "sleepd daemon"
	hostname, err := os.Hostname()
	if err == nil && hostname != "" {
		commonName = "sleepd@" + hostname
	}

	validDuration := cfg.ValidDuration
	if validDuration == 0 {
		validDuration = 365 * 24 * time.Hour
	}
	notBefore := time.Now()

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   commonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validDuration),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	if hostname != "" {
		hosts = append(hosts, hostname)
	}
	seen := make(map[string]bool, len(hosts))
	for _, host := range hosts {
		if seen[host] {
			continue
		}
		seen[host] = true
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	return template, nil
}

// writeCertFiles writes the PEM pair: certificate world-readable so the
// CLI can pin it, key readable by the daemon's owner only.
func writeCertFiles(certPath, keyPath string, derBytes []byte, privateKey *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0700); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}

	certFile, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create certificate file: %w", err)
	}
	defer certFile.Close()
	if err := pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()
	if err := pem.Encode(keyFile, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// ComputeFingerprint formats the SHA-256 of the DER certificate as
// colon-separated uppercase hex, the form shown to users and embedded
// in QR payloads. Example: "AA:BB:CC:...".
func ComputeFingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)

	var b strings.Builder
	b.Grow(len(hash)*3 - 1)
	for i, octet := range hash {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", octet)
	}
	return b.String()
}

// ComputeFingerprintFromPEM computes the fingerprint straight from a
// PEM certificate file's contents.
func ComputeFingerprintFromPEM(pemData []byte) (string, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	return ComputeFingerprint(cert), nil
}

// LoadTLSConfig builds the server-side TLS configuration from the
// certificate pair.
func LoadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// Prefer cipher suites that support forward secrecy
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
