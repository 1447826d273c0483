// Command server runs the foldsync object-sync server: a WebSocket
// listener accepting multiplexed mux.Connection clients, each driven
// by one internal/session.Session against a shared internal/datastore
// resolver, with the bundled examples/chat application mounted at the
// root object.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	_ "go.uber.org/automaxprocs"

	"github.com/foldsync/core/examples/chat"
	"github.com/foldsync/core/internal/alerting"
	"github.com/foldsync/core/internal/authn"
	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/config"
	"github.com/foldsync/core/internal/datastore"
	"github.com/foldsync/core/internal/datastore/walog"
	"github.com/foldsync/core/internal/feed"
	"github.com/foldsync/core/internal/logging"
	"github.com/foldsync/core/internal/metrics"
	"github.com/foldsync/core/internal/mux"
	"github.com/foldsync/core/internal/platform"
	"github.com/foldsync/core/internal/session"
	"github.com/foldsync/core/internal/transport"
)

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if t := strings.TrimSpace(b); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides FOLDSYNC_LOG_LEVEL)")
	dataDir := flag.String("data-dir", "", "persist objects as JSON documents under this directory (empty: in-memory only)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{
		Level:   logging.Level(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "foldsync-server",
	})
	cfg.LogFields(logger)

	var activeSessions int64
	guard := platform.NewAdmissionGuard(cfg, logger, &activeSessions)
	guardCtx, guardCancel := context.WithCancel(context.Background())
	defer guardCancel()
	go guard.Run(guardCtx, 5*time.Second)

	var alerter alerting.Alerter = alerting.NewLogAlerter(logger)
	if cfg.NATSEnabled {
		nc, err := alerting.DialNATS(context.Background(), cfg.NATSURL)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to dial NATS, alerting to logs only")
		} else {
			alerter = alerting.NewMultiAlerter(alerter, alerting.NewNATSAlerter(nc, cfg.NATSSubject, logger))
			defer nc.Close()
		}
	}

	reg := codec.NewRegistry()
	var wal *walog.Log
	if cfg.KafkaEnabled {
		wal, err = walog.Open(walog.Config{Brokers: splitBrokers(cfg.KafkaBrokers), Topic: cfg.KafkaTopic}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open write-ahead log")
		}
		defer wal.Close()
	}

	var resolver chat.Registrar
	flushPeriod := cfg.CloudFlushPeriod
	if *dataDir != "" {
		fs, err := datastore.NewFileStore(*dataDir, chat.Factory, reg, wal, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open file store")
		}
		flushPeriod = cfg.FileFlushPeriod
		flushCtx, flushCancel := context.WithCancel(context.Background())
		defer flushCancel()
		go fs.Run(flushCtx, flushPeriod)
		resolver = fs
	} else {
		resolver = datastore.NewMemStore(chat.Factory, reg, logger)
	}

	app := chat.NewApp(resolver, reg)
	validator := app.AuthValidator(authn.GuestValidator{})

	if cfg.KafkaEnabled {
		consumer, err := feed.NewConsumer(feed.Config{
			Brokers:       splitBrokers(cfg.KafkaBrokers),
			ConsumerGroup: "foldsync-feed",
			Topics:        []string{cfg.KafkaTopic + ".announce"},
			Logger:        logger,
			Post: func(ctx context.Context, key string, ev feed.Event) error {
				alerter.Alert(alerting.Info, "external feed event: "+ev.Type, map[string]any{"key": key})
				return nil
			},
		})
		if err != nil {
			logger.Warn().Err(err).Msg("feed consumer disabled")
		} else {
			feedCtx, feedCancel := context.WithCancel(context.Background())
			defer feedCancel()
			go consumer.Run(feedCtx)
			defer consumer.Close()
		}
	}

	mu := http.NewServeMux()
	mu.Handle("/metrics", metrics.Handler())
	mu.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mu.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if ok, reason := guard.ShouldAccept(); !ok {
			logger.Warn().Str("reason", reason).Msg("rejecting connection, server overloaded")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}

		netConn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		atomic.AddInt64(&activeSessions, 1)
		conn := transport.NewWSConn(netConn)
		mc := mux.NewConnection(conn)
		sess := session.New(mc, validator, resolver, logger, cfg.AuthQueueCap, cfg.AuthQueueWait)
		go func() {
			defer atomic.AddInt64(&activeSessions, -1)
			if err := sess.Run(context.Background()); err != nil {
				logger.Debug().Err(err).Str("remote", conn.RemoteAddr()).Msg("session ended")
			}
		}()
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mu,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server accept loop failed")
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if fs, ok := resolver.(*datastore.FileStore); ok {
		_ = fs.Shutdown(shutdownCtx)
	}
}
