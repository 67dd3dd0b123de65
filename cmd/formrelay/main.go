package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/channel"
	"github.com/shortontech/formrelay/internal/dispatch"
	httpx "github.com/shortontech/formrelay/internal/http"
	"github.com/shortontech/formrelay/internal/logging"
	"github.com/shortontech/formrelay/internal/meta"
	"github.com/shortontech/formrelay/internal/metrics"
	"github.com/shortontech/formrelay/internal/sink"
	"github.com/shortontech/formrelay/internal/store"
	"github.com/shortontech/formrelay/internal/tracking"
	"github.com/shortontech/formrelay/pkg/config"
)

// frameReplyTTL bounds how long an unclaimed parent-url reply is kept.
const frameReplyTTL = time.Minute

func main() {
	log := logging.New()
	cfg := config.Load()

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		host, port := healthTarget(cfg.ServerAddr)
		if err := performHealthCheck(host, port); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("configuration rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics()
	metricsServer := metrics.NewServer(metrics.LoadConfig(), appMetrics, log)
	_ = metricsServer.Start(ctx)

	sinks := initializeSinks(ctx, cfg.Outputs, appMetrics, log)
	emit := createEmitFunc(sinks)

	if cfg.TestMode {
		runTestMode(emit, log)
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("configuration store unavailable")
	}

	sessions, closeSessions := initializeSessionStore(cfg)
	webhook, channels := initializeChannels(cfg, log)

	dispatcher := dispatch.New(dispatch.Options{
		Source:         st,
		Sessions:       sessions,
		Collector:      tracking.NewCollector(cfg.ParentURLTimeout, log),
		Channels:       channels,
		Emit:           emit,
		Metrics:        appMetrics,
		Log:            log,
		ChannelTimeout: cfg.ChannelTimeout,
	})

	env := httpx.Env{
		Cfg:        cfg,
		Dispatcher: dispatcher,
		Store:      st,
		Frames:     tracking.NewFrameBroker(frameReplyTTL),
		HMACAuth:   httpx.NewHMACAuth(cfg.HMACSecret, log),
		Metrics:    appMetrics,
		Log:        log,
	}
	srv := startHTTPServer(cfg, env, log)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	waitForShutdown(stop, log,
		shutdownStep{"http server", srv.Shutdown},
		shutdownStep{"background webhooks", func(context.Context) error { webhook.Wait(); return nil }},
		shutdownStep{"sinks", func(context.Context) error { return sinks.Close() }},
		shutdownStep{"session store", func(context.Context) error { return closeSessions() }},
		shutdownStep{"configuration store", func(context.Context) error { return st.Close() }},
		shutdownStep{"metrics server", metricsServer.Shutdown},
	)
}

// initializeSinks builds the delivery sinks named in outputs and starts
// them. Unknown names are logged and ignored; sinks that fail to start are
// dropped.
func initializeSinks(ctx context.Context, outputs []string, m *metrics.Metrics, log logrus.FieldLogger) *sink.Multi {
	var sinks []sink.Sink
	for _, out := range outputs {
		switch out {
		case "log":
			sinks = append(sinks, sink.NewLogSink())
		case "kafka":
			sinks = append(sinks, sink.NewKafkaSinkFromEnv(m, log))
		case "postgres":
			sinks = append(sinks, sink.NewPGSinkFromEnv(m, log))
		default:
			log.WithField("output", out).Warn("unknown output, ignored")
		}
	}
	multi := sink.NewMulti(sinks, m, log)
	_ = multi.Start(ctx)
	for _, s := range multi.Sinks() {
		log.WithField("sink", s.Name()).Info("sink started")
	}
	return multi
}

func createEmitFunc(sinks *sink.Multi) func(sink.Delivery) {
	if sinks == nil {
		return func(sink.Delivery) {}
	}
	return sinks.Emit
}

func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*store.Store, error) {
	dsn := cfg.StoreDSN
	if dsn == "" {
		if cfg.StoreDriver != store.DriverSQLite {
			return nil, errors.New("STORE_DSN is required for the postgres driver")
		}
		dsn = "formrelay.db"
	}
	st, err := store.Open(ctx, cfg.StoreDriver, dsn, log)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// initializeSessionStore returns the dedup store and a func releasing it.
func initializeSessionStore(cfg config.Config) (dispatch.SessionStore, func() error) {
	if cfg.SessionStore == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return dispatch.NewRedisStore(client, cfg.SessionTTL), client.Close
	}
	return dispatch.NewMemoryStore(cfg.SessionTTL), func() error { return nil }
}

func initializeChannels(cfg config.Config, log logrus.FieldLogger) (*channel.Webhook, dispatch.Channels) {
	client := &http.Client{Timeout: cfg.ChannelTimeout}

	webhook := channel.NewWebhook(channel.WebhookOptions{
		Client:        client,
		SourceTag:     cfg.WebhookSourceTag,
		SigningSecret: cfg.WebhookSigningSecret,
		FormTimeout:   cfg.ChannelTimeout,
		Log:           log,
	})

	metaOpts := meta.Options{
		GraphURL:   cfg.MetaGraphURL,
		APIVersion: cfg.MetaAPIVersion,
		HTTPClient: client,
		Value:      cfg.ConversionValue,
		Currency:   cfg.ConversionCurrency,
		Log:        log,
	}
	if cfg.IPLookupURL != "" {
		metaOpts.IPResolver = meta.NewHTTPIPResolver(cfg.IPLookupURL, log)
	}

	return webhook, dispatch.Channels{
		Webhook: webhook,
		MetaAds: channel.NewMetaAds(channel.MetaAdsOptions{
			Sender:         meta.NewClient(metaOpts),
			DefaultCountry: cfg.DefaultCountry,
			Value:          cfg.ConversionValue,
			Currency:       cfg.ConversionCurrency,
			Log:            log,
		}),
		GoogleAds: channel.GoogleAds{Value: cfg.ConversionValue, Currency: cfg.ConversionCurrency},
		Analytics: channel.Analytics{},
	}
}

func startHTTPServer(cfg config.Config, env httpx.Env, log logrus.FieldLogger) *http.Server {
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           httpx.NewRouter(env),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.ServerAddr).Info("formrelay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()
	return srv
}

// healthTarget turns a listen address into something dialable.
func healthTarget(addr string) (host, port string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", "19890"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port
}

// performHealthCheck backs the container HEALTHCHECK.
func performHealthCheck(host, port string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/healthz")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// waitForShutdown blocks until stop fires, then runs steps in order within
// a shared deadline.
func waitForShutdown(stop <-chan os.Signal, log logrus.FieldLogger, steps ...shutdownStep) {
	sig := <-stop
	log.WithField("signal", fmt.Sprint(sig)).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			log.WithError(err).WithField("step", s.name).Warn("shutdown step failed")
		}
	}
	log.Info("shutdown complete")
}
