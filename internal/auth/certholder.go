package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// CertHolder holds the mTLS client certificate and swaps it atomically when
// the files on disk change.
type CertHolder struct {
	certFile string
	keyFile  string

	cert atomic.Pointer[tls.Certificate]

	mu      sync.Mutex
	modTime time.Time
}

// NewCertHolder loads the key pair once.
func NewCertHolder(certFile, keyFile string) (*CertHolder, error) {
	ch := &CertHolder{certFile: certFile, keyFile: keyFile}
	if _, err := ch.ReloadIfChanged(); err != nil {
		return nil, err
	}
	return ch, nil
}

// Get returns the current certificate.
func (ch *CertHolder) Get() *tls.Certificate {
	return ch.cert.Load()
}

// ReloadIfChanged reloads the pair when either file is newer than the last
// load. It reports whether a new certificate was installed.
func (ch *CertHolder) ReloadIfChanged() (bool, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	latest, err := newestModTime(ch.certFile, ch.keyFile)
	if err != nil {
		return false, err
	}
	if ch.cert.Load() != nil && !latest.After(ch.modTime) {
		return false, nil
	}

	cert, err := tls.LoadX509KeyPair(ch.certFile, ch.keyFile)
	if err != nil {
		return false, fmt.Errorf("loading client certificate: %w", err)
	}
	ch.cert.Store(&cert)
	ch.modTime = latest
	return true, nil
}

func newestModTime(paths ...string) (time.Time, error) {
	var latest time.Time
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

// TLSConfig builds a client TLS config. caFile may be empty to use the
// system roots; the holder may be nil when no client certificate is used.
func TLSConfig(caFile string, holder *CertHolder) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("no certificates found in CA file")
		}
		cfg.RootCAs = pool
	}

	if holder != nil {
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			if c := holder.Get(); c != nil {
				return c, nil
			}
			return &tls.Certificate{}, nil
		}
	}
	return cfg, nil
}
