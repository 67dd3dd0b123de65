package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/shortontech/formrelay/internal/dispatch"
	"github.com/shortontech/formrelay/internal/logging"
	"github.com/shortontech/formrelay/internal/metrics"
	"github.com/shortontech/formrelay/internal/sink"
	"github.com/shortontech/formrelay/pkg/config"
)

func TestInitializeSinks(t *testing.T) {
	t.Setenv("LOG_PATH", filepath.Join(t.TempDir(), "deliveries.ndjson"))
	ctx := context.Background()
	log := logging.Discard()

	t.Run("log sink", func(t *testing.T) {
		sinks := initializeSinks(ctx, []string{"log"}, metrics.NewMetrics(), log)
		defer sinks.Close()

		if len(sinks.Sinks()) != 1 || sinks.Sinks()[0].Name() != "log" {
			t.Errorf("sinks = %v, want [log]", sinks.Sinks())
		}
	})

	t.Run("unknown output type", func(t *testing.T) {
		sinks := initializeSinks(ctx, []string{"unknown"}, metrics.NewMetrics(), log)
		if len(sinks.Sinks()) != 0 {
			t.Errorf("expected 0 sinks for unknown type, got %d", len(sinks.Sinks()))
		}
	})

	t.Run("postgres without dsn is dropped", func(t *testing.T) {
		t.Setenv("PG_DSN", "")
		sinks := initializeSinks(ctx, []string{"log", "postgres"}, metrics.NewMetrics(), log)
		defer sinks.Close()

		if len(sinks.Sinks()) != 1 {
			t.Errorf("expected only the log sink, got %d", len(sinks.Sinks()))
		}
	})
}

func TestCreateEmitFunc(t *testing.T) {
	t.Run("nil sinks is a no-op", func(t *testing.T) {
		createEmitFunc(nil)(sink.NewDelivery(time.Now()))
	})

	t.Run("writes through the sinks", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.ndjson")
		t.Setenv("LOG_PATH", path)
		sinks := initializeSinks(context.Background(), []string{"log"}, nil, logging.Discard())

		emit := createEmitFunc(sinks)
		emit(sink.NewDelivery(time.Now()))
		_ = sinks.Close()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read sink output: %v", err)
		}
		if len(data) == 0 {
			t.Error("no delivery written")
		}
	})
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("postgres requires a dsn", func(t *testing.T) {
		_, err := openStore(ctx, config.Config{StoreDriver: "postgres"}, logging.Discard())
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("sqlite migrates", func(t *testing.T) {
		cfg := config.Config{StoreDriver: "sqlite", StoreDSN: filepath.Join(t.TempDir(), "formrelay.db")}
		st, err := openStore(ctx, cfg, logging.Discard())
		if err != nil {
			t.Fatalf("openStore() error = %v", err)
		}
		defer st.Close()

		got, err := st.ActiveIntegrations(ctx, "F1")
		if err != nil || len(got) != 0 {
			t.Errorf("ActiveIntegrations() = %v, %v", got, err)
		}
	})
}

func TestInitializeSessionStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		s, closeFn := initializeSessionStore(config.Config{SessionStore: "memory", SessionTTL: time.Minute})
		defer closeFn()
		if _, ok := s.(*dispatch.MemoryStore); !ok {
			t.Errorf("store = %T, want *dispatch.MemoryStore", s)
		}
	})

	t.Run("redis", func(t *testing.T) {
		s, closeFn := initializeSessionStore(config.Config{SessionStore: "redis", RedisAddr: "127.0.0.1:0", SessionTTL: time.Minute})
		defer closeFn()
		if _, ok := s.(*dispatch.RedisStore); !ok {
			t.Errorf("store = %T, want *dispatch.RedisStore", s)
		}
	})
}

func TestInitializeChannels(t *testing.T) {
	cfg := config.Config{ChannelTimeout: time.Second, WebhookSourceTag: "formrelay", MetaGraphURL: "http://graph.test", MetaAPIVersion: "v18.0", IPLookupURL: "http://ip.test"}
	webhook, channels := initializeChannels(cfg, logging.Discard())

	if webhook == nil || channels.Webhook == nil {
		t.Fatal("webhook channel missing")
	}
	if channels.MetaAds == nil || channels.GoogleAds == nil || channels.Analytics == nil {
		t.Errorf("channels = %+v, want every kind wired", channels)
	}
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

func TestStartHTTPServer(t *testing.T) {
	addr := freePort(t)
	srv := startHTTPServer(config.Config{ServerAddr: addr}, testEnv(), logging.Discard())
	defer srv.Shutdown(context.Background())

	host, port, _ := net.SplitHostPort(addr)
	var err error
	for i := 0; i < 50; i++ {
		if err = performHealthCheck(host, port); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server never became healthy: %v", err)
}

func TestPerformHealthCheck(t *testing.T) {
	t.Run("healthy server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/healthz" {
				t.Errorf("path = %s, want /healthz", r.URL.Path)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		host, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
		if err := performHealthCheck(host, port); err != nil {
			t.Errorf("performHealthCheck() error = %v", err)
		}
	})

	t.Run("unhealthy status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		host, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
		if err := performHealthCheck(host, port); err == nil {
			t.Error("expected error for 503")
		}
	})

	t.Run("nothing listening", func(t *testing.T) {
		host, port, _ := net.SplitHostPort(freePort(t))
		if err := performHealthCheck(host, port); err == nil {
			t.Error("expected connection error")
		}
	})
}

func TestHealthTarget(t *testing.T) {
	tests := []struct {
		addr, host, port string
	}{
		{addr: ":19890", host: "127.0.0.1", port: "19890"},
		{addr: "0.0.0.0:8080", host: "127.0.0.1", port: "8080"},
		{addr: "10.0.0.5:9000", host: "10.0.0.5", port: "9000"},
		{addr: "garbage", host: "127.0.0.1", port: "19890"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			host, port := healthTarget(tt.addr)
			if host != tt.host || port != tt.port {
				t.Errorf("healthTarget(%q) = %s, %s; want %s, %s", tt.addr, host, port, tt.host, tt.port)
			}
		})
	}
}

func TestWaitForShutdown(t *testing.T) {
	stop := make(chan os.Signal, 1)
	var order []string
	step := func(name string, err error) shutdownStep {
		return shutdownStep{name: name, fn: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("%s: shutdown context has no deadline", name)
			}
			order = append(order, name)
			return err
		}}
	}

	stop <- syscall.SIGTERM
	waitForShutdown(stop, logging.Discard(),
		step("http", nil),
		step("sinks", errors.New("flush failed")),
		step("store", nil),
	)

	want := []string{"http", "sinks", "store"}
	if len(order) != len(want) {
		t.Fatalf("steps run = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, order[i], want[i])
		}
	}
}
