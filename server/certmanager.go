package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/zlog/v2"
)

// CertManager rotates the server certificate a TLS listener presents
// without a restart: the control channel is the only listener this core
// hangs one off of (the query-serving listeners in this package are
// plaintext UDP/TCP), so label identifies which channel's keypair is
// being watched in logs and in the nsd_control_cert_reloads_total metric.
type CertManager struct {
	label    string
	certPath string
	keyPath  string

	mu          sync.RWMutex
	certificate *tls.Certificate
	lastModTime time.Time

	reloadsTotal *prometheus.CounterVec

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCertManager loads the keypair at certPath/keyPath and starts
// watching its directory for changes, under the given label (e.g.
// "control channel") used to distinguish this watcher's log lines and
// metric series from any other CertManager running in the same process.
func NewCertManager(label, certPath, keyPath string) (*CertManager, error) {
	cm := &CertManager{
		label:    label,
		certPath: certPath,
		keyPath:  keyPath,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := cm.loadCertificate(); err != nil {
		return nil, fmt.Errorf("%s: load initial certificate: %w", label, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%s: create watcher: %w", label, err)
	}

	// Watch the certificate directory (not the files directly, since an
	// ACME client typically replaces them via a symlink swap).
	certDir := filepath.Dir(certPath)
	keyDir := filepath.Dir(keyPath)

	if err := watcher.Add(certDir); err != nil {
		watcher.Close() //nolint:gosec // G104 - cleanup on error path
		return nil, fmt.Errorf("%s: watch certificate directory: %w", label, err)
	}

	if certDir != keyDir {
		if err := watcher.Add(keyDir); err != nil {
			watcher.Remove(certDir) //nolint:gosec // G104 - cleanup on error path
			watcher.Close()         //nolint:gosec // G104 - cleanup on error path
			return nil, fmt.Errorf("%s: watch key directory: %w", label, err)
		}
	}

	// Only assign watcher after all directories are successfully watched.
	cm.watcher = watcher

	go cm.watch()

	return cm, nil
}

// SetMetrics attaches a counter series this manager increments on every
// reload attempt, labeled with its own label and "ok" or "error". Nil is
// a valid value (e.g. in tests) and simply disables the counter.
func (cm *CertManager) SetMetrics(reloadsTotal *prometheus.CounterVec) {
	cm.reloadsTotal = reloadsTotal
}

func (cm *CertManager) countReload(result string) {
	if cm.reloadsTotal != nil {
		cm.reloadsTotal.WithLabelValues(cm.label, result).Inc()
	}
}

// loadCertificate loads the certificate from disk.
func (cm *CertManager) loadCertificate() error {
	cert, err := tls.LoadX509KeyPair(cm.certPath, cm.keyPath)
	if err != nil {
		return err
	}

	if err := cm.validateCertificate(&cert); err != nil {
		return fmt.Errorf("certificate validation failed: %w", err)
	}

	certInfo, err := os.Stat(cm.certPath)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.certificate = &cert
	cm.lastModTime = certInfo.ModTime()
	cm.mu.Unlock()

	zlog.Info(cm.label+" certificate loaded", "cert", cm.certPath, "modTime", certInfo.ModTime())

	return nil
}

// validateCertificate validates the certificate chain and expiration.
func (cm *CertManager) validateCertificate(cert *tls.Certificate) error {
	if cert == nil || len(cert.Certificate) == 0 {
		return fmt.Errorf("empty certificate chain")
	}

	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	now := time.Now()
	if now.Before(x509Cert.NotBefore) {
		return fmt.Errorf("certificate not yet valid (not before: %v)", x509Cert.NotBefore)
	}
	if now.After(x509Cert.NotAfter) {
		return fmt.Errorf("certificate expired (not after: %v)", x509Cert.NotAfter)
	}

	daysUntilExpiry := x509Cert.NotAfter.Sub(now).Hours() / 24
	if daysUntilExpiry < 7 {
		zlog.Warn(cm.label+" certificate expires soon", "days", int(daysUntilExpiry), "expiry", x509Cert.NotAfter)
	}

	return nil
}

// GetCertificate returns the current certificate. It is installed as
// tls.Config.GetCertificate so every accepted connection on the watched
// listener sees the latest keypair without the listener itself needing
// to know a reload ever happened.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.certificate == nil {
		return nil, fmt.Errorf("%s: no certificate available", cm.label)
	}

	return cm.certificate, nil
}

// GetTLSConfig returns a TLS config bound to this manager's dynamic
// certificate loading. Each call returns a fresh config to avoid races
// between concurrent listeners sharing the same CertManager.
func (cm *CertManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: cm.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// watch monitors for certificate changes until Stop is called.
func (cm *CertManager) watch() {
	defer close(cm.doneCh)
	defer cm.watcher.Close()

	// Poll too, in case fsnotify misses an event (known to happen across
	// some network filesystems and on ACME clients that rename-over
	// rather than write-in-place).
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cm.stopCh:
			return

		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}

			if cm.isRelevantEvent(event) {
				zlog.Debug(cm.label+" certificate file event", "event", event.String())
				cm.checkAndReload()
			}

		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error(cm.label+" certificate watcher error", "error", err.Error())

		case <-ticker.C:
			cm.checkAndReload()
		}
	}
}

// isRelevantEvent reports whether event touches this manager's cert or
// key file, directly or via a symlink swap.
func (cm *CertManager) isRelevantEvent(event fsnotify.Event) bool {
	eventPath := event.Name

	certName := filepath.Base(cm.certPath)
	keyName := filepath.Base(cm.keyPath)
	eventName := filepath.Base(eventPath)

	return eventName == certName || eventName == keyName ||
		eventPath == cm.certPath || eventPath == cm.keyPath
}

// checkAndReload reloads the certificate if its file has been modified
// since the last load.
func (cm *CertManager) checkAndReload() {
	certInfo, err := os.Stat(cm.certPath)
	if err != nil {
		zlog.Error(cm.label+" failed to stat certificate file", "path", cm.certPath, "error", err.Error())
		return
	}

	cm.mu.Lock()
	shouldReload := certInfo.ModTime().After(cm.lastModTime)
	cm.mu.Unlock()

	if shouldReload {
		zlog.Info(cm.label+" certificate file changed, reloading", "path", cm.certPath)
		if err := cm.reloadWithRetry(); err != nil {
			zlog.Error(cm.label+" failed to reload certificate after retries", "error", err.Error())
		}
	}
}

// reloadWithRetry attempts to reload the certificate with retry logic,
// since a watcher event can fire mid-write while an ACME client is still
// replacing the file pair.
func (cm *CertManager) reloadWithRetry() error {
	const maxRetries = 3
	const retryDelay = time.Second

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			zlog.Warn(cm.label+" retrying certificate reload", "attempt", i+1, "max", maxRetries)
			time.Sleep(retryDelay)
		}

		if err := cm.Reload(); err != nil {
			lastErr = err
			continue
		}

		cm.countReload("ok")
		return nil
	}

	cm.countReload("error")
	return fmt.Errorf("%s: failed after %d attempts: %w", cm.label, maxRetries, lastErr)
}

// Reload forces a certificate reload, bypassing the modification-time
// check.
func (cm *CertManager) Reload() error {
	return cm.loadCertificate()
}

// Stop stops the watcher goroutine and waits for it to exit, releasing
// its fsnotify handles.
func (cm *CertManager) Stop() {
	close(cm.stopCh)
	<-cm.doneCh
}
