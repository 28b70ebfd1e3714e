// Package dispatcher implements the session dispatcher: an HTTP/2 server
// that multiplexes many concurrent Backup Environment sessions, enforces
// the session-open policy (authentication, group exclusivity, ownership,
// backup-time regression, benchmark pairing), and routes each named
// operation to its Backup Environment method.
package dispatcher

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"backupcore/internal/auth"
	"backupcore/internal/chunkfmt"
	"backupcore/internal/config"
	"backupcore/internal/group"
	"backupcore/internal/logging"
	"backupcore/internal/store"
)

// CertManager is the subset of internal/cert.Manager the dispatcher needs
// for optional HTTPS.
type CertManager interface {
	TLSConfig() *tls.Config
}

// Config configures a Dispatcher.
type Config struct {
	Logger        *slog.Logger
	Datastores    *config.Store
	Authenticator auth.Authenticator
	CertManager   CertManager
	FileMode      os.FileMode
}

// Dispatcher is the session dispatcher server.
type Dispatcher struct {
	logger        *slog.Logger
	datastores    *config.Store
	authenticator auth.Authenticator
	certManager   CertManager
	fileMode      os.FileMode

	groupRegistry *group.Registry
	sessions      *sessionRegistry

	storesMu sync.Mutex
	stores   map[string]*store.Store // datastore name -> Store, lazily opened

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	shutdown chan struct{}
	inFlight sync.WaitGroup
	draining atomic.Bool
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	return &Dispatcher{
		logger:        logging.Default(cfg.Logger).With("component", "dispatcher"),
		datastores:    cfg.Datastores,
		authenticator: cfg.Authenticator,
		certManager:   cfg.CertManager,
		fileMode:      cfg.FileMode,
		groupRegistry: group.NewRegistry(),
		sessions:      newSessionRegistry(),
		stores:        make(map[string]*store.Store),
		shutdown:      make(chan struct{}),
	}
}

func (d *Dispatcher) storeFor(datastoreName string) (*store.Store, string, error) {
	d.storesMu.Lock()
	defer d.storesMu.Unlock()

	if s, ok := d.stores[datastoreName]; ok {
		ds, err := d.datastores.Get(datastoreName)
		if err != nil {
			return nil, "", err
		}
		return s, ds.Path, nil
	}

	ds, err := d.datastores.Get(datastoreName)
	if err != nil {
		return nil, "", err
	}
	s, err := store.New(store.Config{Dir: ds.Path, FileMode: d.fileMode, Logger: d.logger})
	if err != nil {
		return nil, "", err
	}
	d.stores[datastoreName] = s
	return s, ds.Path, nil
}

func (d *Dispatcher) groupDir(datastoreRoot, backupType, backupID string) string {
	return filepath.Join(datastoreRoot, backupType, backupID)
}

// trackingMiddleware rejects new requests while draining and tracks
// in-flight request count for graceful shutdown, mirroring the teacher's
// server.trackingMiddleware.
func (d *Dispatcher) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		d.inFlight.Add(1)
		defer d.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

// Handler returns the dispatcher's full HTTP handler (h2c-wrapped routing
// table), for tests or embedding.
func (d *Dispatcher) Handler() http.Handler {
	mux := d.buildMux()
	h := h2c.NewHandler(mux, &http2.Server{})
	return d.trackingMiddleware(h)
}

// Serve starts the dispatcher on listener and blocks until Stop is called.
func (d *Dispatcher) Serve(listener net.Listener) error {
	d.mu.Lock()
	d.listener = listener
	d.server = &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if d.certManager != nil {
		d.server.TLSConfig = d.certManager.TLSConfig()
	}
	d.mu.Unlock()

	d.logger.Info("dispatcher starting", "addr", listener.Addr().String())
	err := d.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP starts the dispatcher on a new TCP listener bound to addr.
func (d *Dispatcher) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return d.Serve(listener)
}

// Stop drains in-flight requests (bounded by ctx) and shuts down the
// server.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.draining.Store(true)

	done := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	d.mu.Lock()
	server := d.server
	d.mu.Unlock()
	if server == nil {
		return nil
	}
	d.logger.Info("dispatcher stopping")
	return server.Shutdown(ctx)
}

// newSessionID generates an opaque session identifier.
func newSessionID() string {
	return uuid.New().String()
}

// cryptConfigFor resolves the encryption key for a datastore. Datastores in
// this implementation are unencrypted-by-default; a non-nil CryptConfig can
// be wired in by a future per-datastore key store. Kept as its own
// indirection point rather than threading nil through every call site.
func cryptConfigFor(ds config.Datastore) *chunkfmt.CryptConfig {
	return nil
}
