package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls the standalone metrics listener. TLS applies only when
// RequireTLS is set and both key pair paths are given.
type Config struct {
	Enabled    bool
	Addr       string
	TLSCert    string
	TLSKey     string
	ClientCA   string
	RequireTLS bool
}

func LoadConfig() Config {
	return Config{
		Enabled:    envBool("METRICS_ENABLED", false),
		Addr:       envOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:    os.Getenv("METRICS_TLS_CERT"),
		TLSKey:     os.Getenv("METRICS_TLS_KEY"),
		ClientCA:   os.Getenv("METRICS_CLIENT_CA"),
		RequireTLS: envBool("METRICS_REQUIRE_TLS", false),
	}
}

func (c Config) useTLS() bool {
	return c.RequireTLS && c.TLSCert != "" && c.TLSKey != ""
}

// Server serves /metrics and /healthz on its own address, away from the
// public submission API.
type Server struct {
	server *http.Server
	config Config
	log    logrus.FieldLogger
}

func NewServer(config Config, m *Metrics, log logrus.FieldLogger) *Server {
	log = log.WithField("component", "metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Minute,
	}
	if config.useTLS() {
		srv.TLSConfig = tlsConfig(config.ClientCA, log)
	}
	return &Server{server: srv, config: config, log: log}
}

// tlsConfig requires client certificates when caFile loads. A CA that
// cannot be read leaves the listener on server-only TLS.
func tlsConfig(caFile string, log logrus.FieldLogger) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg
	}
	pool, err := loadCertPool(caFile)
	if err != nil {
		log.WithError(err).Warn("client CA not loaded, mTLS disabled")
		return cfg
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	log.WithField("client_ca", caFile).Info("mTLS enabled")
	return cfg
}

// Start listens in the background. It returns immediately; listener
// errors are logged.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info("metrics listener disabled")
		return nil
	}

	serve := s.server.ListenAndServe
	if s.config.useTLS() {
		serve = func() error { return s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey) }
	}
	s.log.WithFields(logrus.Fields{"addr": s.config.Addr, "tls": s.config.useTLS()}).Info("metrics listening")

	go func() {
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("metrics listener stopped")
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
