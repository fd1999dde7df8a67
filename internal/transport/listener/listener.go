// Package listener implements the Listening Server (§4.4): a single
// TCP socket, optionally TLS with hot-reloadable certificates, shared
// by the HTTP and WebSocket protocols, with exponential-backoff
// restart on listen/serve failure and graceful/permanent shutdown.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/validana-io/vserver/internal/logging"
)

const (
	minBackoff        = 5 * time.Second
	maxBackoff        = 300 * time.Second
	idleTimeout       = 120 * time.Second
	certDebounce      = 5 * time.Second
	hardShutdownGrace = 5 * time.Second
)

// Config describes one listening socket.
type Config struct {
	Addr     string // host:port
	TLS      bool
	KeyPath  string
	CertPath string
}

// Server owns the listening socket and, when TLS is enabled, the
// certificate hot-reload watcher.
type Server struct {
	cfg Config
	log *logging.Logger

	cert      atomic.Pointer[tls.Certificate]
	permanent atomic.Bool

	httpServer atomic.Pointer[http.Server]
}

// New creates a Server. If cfg.TLS is set, the key and certificate are
// loaded immediately; a load failure here is fatal (construction
// fails), matching "read key and certificate files at construction".
func New(cfg Config, log *logging.Logger) (*Server, error) {
	s := &Server{cfg: cfg, log: log}
	if cfg.TLS {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("listener: load certificate: %w", err)
		}
		s.cert.Store(&cert)
	}
	return s, nil
}

// Serve runs the accept/serve loop for handler until ctx is cancelled
// or Shutdown marks the server permanent. Listen or serve failures are
// retried with exponential backoff from 5s up to 300s.
func (s *Server) Serve(ctx context.Context, handler http.Handler) error {
	if s.cfg.TLS {
		go s.watchCertificate(ctx)
	}

	backoff := minBackoff
	for {
		ln, err := s.listen()
		if err != nil {
			s.log.WithError(err).Msg("listener: listen failed, retrying")
			if !s.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff

		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: idleTimeout,
		}
		s.httpServer.Store(srv)

		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Serve(ln) }()

		select {
		case <-ctx.Done():
			s.gracefulClose(srv)
			return nil
		case err := <-serveErr:
			ln.Close()
			if s.permanent.Load() {
				return err
			}
			s.log.WithError(err).Msg("listener: serve ended, restarting")
			if !s.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
		}
	}
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, err
	}
	if !s.cfg.TLS {
		return ln, nil
	}
	tlsCfg := &tls.Config{GetCertificate: s.getCertificate}
	return tls.NewListener(ln, tlsCfg), nil
}

func (s *Server) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.cert.Load(), nil
}

func (s *Server) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// Shutdown requests the server stop. graceful=true waits for in-flight
// requests to complete (the running Serve loop is marked permanent and
// the http.Server is asked to shut down); graceful=false hard-destroys
// open sockets hardShutdownGrace after the request.
func (s *Server) Shutdown(graceful bool) {
	s.permanent.Store(true)
	srv := s.httpServer.Load()
	if srv == nil {
		return
	}
	if graceful {
		s.gracefulClose(srv)
		return
	}
	go func() {
		time.Sleep(hardShutdownGrace)
		_ = srv.Close()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), hardShutdownGrace)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func (s *Server) gracefulClose(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), hardShutdownGrace)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// watchCertificate reloads the TLS certificate certDebounce after the
// last change to the certificate or key file, debounced so a
// burst of writes (as produced by most tools rewriting a cert) only
// triggers one reload.
func (s *Server) watchCertificate(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.WithError(err).Msg("listener: certificate watcher unavailable")
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(s.cfg.CertPath)
	if err := watcher.Add(dir); err != nil {
		s.log.WithError(err).Msg("listener: watch certificate directory")
		return
	}

	var debounce *time.Timer
	reload := func() {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertPath, s.cfg.KeyPath)
		if err != nil {
			s.log.WithError(err).Msg("listener: certificate reload failed, keeping previous")
			return
		}
		s.cert.Store(&cert)
		s.log.Infof("listener: certificate reloaded")
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.cfg.CertPath) && filepath.Clean(ev.Name) != filepath.Clean(s.cfg.KeyPath) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(certDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.WithError(err).Msg("listener: certificate watcher error")
		}
	}
}
