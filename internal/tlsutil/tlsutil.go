// Package tlsutil builds the TLS configurations used by the kongjwt tools:
// a rotating server certificate for the sandbox proxy listener, and client
// configs that trust a private CA for the Kong Admin API and poll targets.
package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 300 * time.Millisecond

// CertWatcher serves a certificate pair from disk and reloads it when either
// file changes. A pair that fails to load leaves the previous one in place.
type CertWatcher struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certFile string
	keyFile  string
	logger   *slog.Logger
}

// WatchCert loads certFile/keyFile and watches both until ctx is done.
func WatchCert(ctx context.Context, certFile, keyFile string, logger *slog.Logger) (*CertWatcher, error) {
	cw := &CertWatcher{certFile: certFile, keyFile: keyFile, logger: logger}
	if err := cw.load(); err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	for _, f := range []string{certFile, keyFile} {
		if err := watcher.Add(f); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", f, err)
		}
	}
	go cw.watch(ctx, watcher)

	logger.Info("tls certificate loaded", "cert_file", certFile, "key_file", keyFile)
	return cw, nil
}

// ServerConfig returns a server tls.Config that always presents the most
// recently loaded certificate.
func (cw *CertWatcher) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cw.mu.RLock()
			defer cw.mu.RUnlock()
			return cw.cert, nil
		},
	}
}

// Reload reads the pair from disk again.
func (cw *CertWatcher) Reload() error {
	if err := cw.load(); err != nil {
		cw.logger.Error("tls certificate reload failed, keeping current",
			"error", err, "cert_file", cw.certFile)
		return err
	}
	cw.logger.Info("tls certificate reloaded", "cert_file", cw.certFile)
	return nil
}

func (cw *CertWatcher) load() error {
	cert, err := tls.LoadX509KeyPair(cw.certFile, cw.keyFile)
	if err != nil {
		return err
	}
	cw.mu.Lock()
	cw.cert = &cert
	cw.mu.Unlock()
	return nil
}

func (cw *CertWatcher) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Cert and key are usually replaced together; reload once.
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					cw.Reload() //nolint:errcheck
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("tls file watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

// ErrNoCertificates is returned when a CA file holds no PEM certificates.
var ErrNoCertificates = errors.New("tlsutil: no certificates found")

// ClientConfig returns a client tls.Config trusting the system roots plus
// every certificate in caFile.
func ClientConfig(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading ca file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%s: %w", caFile, ErrNoCertificates)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// HTTPClient returns an http.Client trusting caFile, or a plain client when
// caFile is empty.
func HTTPClient(caFile string) (*http.Client, error) {
	if caFile == "" {
		return &http.Client{}, nil
	}
	tc, err := ClientConfig(caFile)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tc
	return &http.Client{Transport: transport}, nil
}
