package webhook

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	// GitHub caps webhook payloads at 25 MB.
	maxBodySize = 25 << 20

	shutdownTimeout = 10 * time.Second
)

type Config struct {
	Host     string
	Port     int
	Path     string
	Secret   string
	CertFile string
	KeyFile  string
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server accepts tracker webhooks and turns relevant ones into a call to
// trigger. trigger must not block.
type Server struct {
	cfg       Config
	evaluator Evaluator
	trigger   func()
	log       *slog.Logger
}

func NewServer(cfg Config, trigger func(), log *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	return &Server{
		cfg:       cfg,
		evaluator: Evaluator{Path: cfg.Path, Secret: cfg.Secret},
		trigger:   trigger,
		log:       log,
	}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	// Method and path are decided without touching the body.
	if d := s.evaluator.EvaluateRequest(Request{Method: r.Method, Path: r.URL.Path}); d.StatusCode == http.StatusMethodNotAllowed || d.StatusCode == http.StatusNotFound {
		s.log.Info("webhook rejected", "status", d.StatusCode, "reason", d.Reason)
		w.WriteHeader(d.StatusCode)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		s.log.Warn("webhook body read failed", "err", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodySize {
		s.log.Warn("webhook body too large", "remote_addr", r.RemoteAddr)
		http.Error(w, "", http.StatusRequestEntityTooLarge)
		return
	}

	d := s.evaluator.EvaluateRequest(Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Signature: r.Header.Get(SignatureHeader),
		Event:     r.Header.Get(EventHeader),
		Body:      body,
	})

	log := s.log.With("status", d.StatusCode, "reason", d.Reason, "delivery", r.Header.Get("X-GitHub-Delivery"))
	switch {
	case d.StatusCode == http.StatusUnauthorized:
		log.Warn("webhook rejected", "remote_addr", r.RemoteAddr)
	case d.StatusCode >= 400:
		log.Info("webhook rejected")
	default:
		log.Debug("webhook handled", "trigger", d.ShouldTrigger)
	}

	if d.ShouldTrigger {
		s.trigger()
	}
	w.WriteHeader(d.StatusCode)
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.addr())
	if err != nil {
		return fmt.Errorf("webhook listen on %s: %w", s.cfg.addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln, over TLS when the configured key pair loads and
// over plain HTTP otherwise. It closes ln on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.Secret == "" {
		s.log.Warn("webhook secret not set, signature verification disabled")
	}

	scheme := "https"
	tlsConfig, err := s.loadTLS()
	if err != nil {
		scheme = "http"
		s.log.Warn("webhook TLS unavailable, serving plain HTTP", "err", err)
	} else {
		ln = tls.NewListener(ln, tlsConfig)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("webhook shutdown incomplete", "err", err)
		}
	}()

	s.log.Info("webhook listening", "addr", ln.Addr().String(), "scheme", scheme, "path", s.cfg.Path)
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return fmt.Errorf("webhook serve: %w", err)
}

func (s *Server) loadTLS() (*tls.Config, error) {
	if s.cfg.CertFile == "" || s.cfg.KeyFile == "" {
		return nil, errors.New("no certificate configured")
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
