package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaycore/relay/internal/api"
	"github.com/relaycore/relay/internal/auth"
	"github.com/relaycore/relay/internal/dlq"
	"github.com/relaycore/relay/internal/events"
	"github.com/relaycore/relay/internal/faststore"
	"github.com/relaycore/relay/internal/inbox"
	"github.com/relaycore/relay/internal/metrics"
	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/stream"
	"github.com/relaycore/relay/internal/supervisor"
	"github.com/relaycore/relay/model"
)

// shutdownTimeout bounds how long a graceful shutdown may take before
// in-flight requests are dropped.
const shutdownTimeout = 30 * time.Second

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the relay server.",
		RunE:  runServer,
	}

	cmd.Flags().String("database", "sqlite://relay.db", "The database backing the relay server.")
	cmd.Flags().String("redis", "localhost:6379", "The address of the redis instance backing the queue, rate limiter and stream.")
	cmd.Flags().String("redis-password", "", "The password of the redis instance, if any.")
	cmd.Flags().Int("redis-db", 0, "The redis database number to use.")
	cmd.Flags().String("listen", ":8085", "The interface and port on which to serve the API.")
	cmd.Flags().String("metrics-listen", ":8086", "The interface and port on which to serve Prometheus metrics.")
	cmd.Flags().String("server-secret", "", "The secret used to hash API keys. Defaults to the RELAY_SERVER_SECRET environment variable.")
	cmd.Flags().Bool("event-processor", true, "Whether this server will fan events out to deliveries or not.")
	cmd.Flags().Bool("event-deliverer", true, "Whether this server will run webhook delivery workers or not.")
	cmd.Flags().Int("delivery-workers", 5, "The number of persistent webhook delivery workers.")
	cmd.Flags().Int("delivery-burst-workers", 10, "The maximum number of burst workers draining the delivery backlog.")
	cmd.Flags().Int("poll", 30, "The interval in seconds to poll for background work.")
	cmd.Flags().Int("default-rate-limit", 120, "The per-credential request limit per minute when a key sets none.")
	cmd.Flags().Bool("debug", false, "Whether to output debug logs.")
	cmd.Flags().Bool("machine-readable-logs", false, "Output the logs in machine readable format.")

	return cmd
}

func runServer(command *cobra.Command, args []string) error {
	command.SilenceUsage = true
	_ = viper.BindPFlags(command.Flags())

	instanceID := model.NewID("ins_")

	debug, _ := command.Flags().GetBool("debug")
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	machineLogs, _ := command.Flags().GetBool("machine-readable-logs")
	if machineLogs {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := logger.WithField("instance", instanceID)

	serverSecret := viper.GetString("server-secret")
	if serverSecret == "" {
		return errors.New("a server secret is required; set --server-secret or RELAY_SERVER_SECRET")
	}

	sqlStore, err := sqlStore(command)
	if err != nil {
		return err
	}

	currentVersion, err := sqlStore.GetCurrentVersion()
	if err != nil {
		return err
	}
	serverVersion := store.LatestVersion()

	// Require the schema to be at least the server version, and also the same major
	// version.
	if currentVersion.LT(serverVersion) || currentVersion.Major != serverVersion.Major {
		return errors.Errorf("server requires at least schema %s, current is %s", serverVersion, currentVersion)
	}

	redisAddress, _ := command.Flags().GetString("redis")
	redisPassword := viper.GetString("redis-password")
	redisDB, _ := command.Flags().GetInt("redis-db")
	fastStore, err := faststore.New(redisAddress, redisPassword, redisDB, logger)
	if err != nil {
		return err
	}

	runProcessor, _ := command.Flags().GetBool("event-processor")
	runDeliverer, _ := command.Flags().GetBool("event-deliverer")
	if !runProcessor {
		logger.Warn("Server will be running without an event processor. Published events will queue until one runs elsewhere.")
	}

	deliveryWorkers, _ := command.Flags().GetInt("delivery-workers")
	burstWorkers, _ := command.Flags().GetInt("delivery-burst-workers")
	poll, _ := command.Flags().GetInt("poll")
	defaultRateLimit, _ := command.Flags().GetInt("default-rate-limit")

	logger.WithFields(logrus.Fields{
		"store-version":      currentVersion,
		"event-processor":    runProcessor,
		"event-deliverer":    runDeliverer,
		"delivery-workers":   deliveryWorkers,
		"poll":               poll,
		"default-rate-limit": defaultRateLimit,
		"debug":              debug,
	}).Info("Starting relay server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deliverer *events.EventDeliverer
	if runDeliverer {
		deliverer = events.NewDeliverer(ctx, sqlStore, fastStore, instanceID, logger, events.DelivererConfig{
			Workers:         deliveryWorkers,
			MaxBurstWorkers: burstWorkers,
		})
	}

	relayMetrics := metrics.New()

	multiDoer := supervisor.NewMultiDoer(logger)
	if runProcessor {
		// The processor pokes the deliverer after fan-out so fresh
		// deliveries go out without waiting for a poll tick.
		if runDeliverer {
			multiDoer.Append(events.NewProcessor(sqlStore, fastStore, deliverer, instanceID, logger))
		} else {
			multiDoer.Append(events.NewProcessor(sqlStore, fastStore, nil, instanceID, logger))
		}
	}
	multiDoer.Append(metrics.NewCollector(relayMetrics, sqlStore, fastStore, logger))

	// The scheduler triggers background work periodically in addition to
	// being poked by the API layer on publish.
	if poll == 0 {
		logger.WithField("poll", poll).Info("Scheduler is disabled")
	}
	scheduler := supervisor.NewScheduler(multiDoer, time.Duration(poll)*time.Second)
	defer scheduler.Close()

	router := mux.NewRouter()

	api.Register(router, &api.Context{
		Store:            sqlStore,
		FastStore:        fastStore,
		Ingestor:         events.NewIngestor(sqlStore, fastStore, scheduler, logger),
		Inbox:            inbox.NewService(sqlStore, fastStore, logger),
		DLQ:              dlq.NewService(sqlStore, fastStore, logger),
		Broker:           stream.NewBroker(ctx, fastStore, logger),
		Authenticator:    auth.NewAuthenticator(sqlStore, fastStore, serverSecret, logger),
		DefaultRateLimit: defaultRateLimit,
		ServerSecret:     serverSecret,
		StartedAt:        model.GetMillis(),
		Logger:           logger,
	})

	listen, _ := command.Flags().GetString("listen")
	srv := &http.Server{
		Addr:           listen,
		Handler:        router,
		ReadTimeout:    180 * time.Second,
		WriteTimeout:   180 * time.Second,
		IdleTimeout:    time.Second * 180,
		MaxHeaderBytes: 1 << 20,
		ErrorLog:       log.New(&logrusWriter{logger}, "", 0),
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("Listening")
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Failed to listen and serve")
		}
	}()

	metricsListen, _ := command.Flags().GetString("metrics-listen")
	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:     metricsListen,
		Handler:  metricsRouter,
		ErrorLog: log.New(&logrusWriter{logger}, "", 0),
	}

	go func() {
		logger.WithField("addr", metricsSrv.Addr).Info("Metrics listening")
		err := metricsSrv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Failed to serve metrics")
		}
	}()

	c := make(chan os.Signal, 1)
	// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C) or
	// SIGTERM. SIGKILL and SIGQUIT will not be caught.
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block until we receive our signal.
	<-c
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	return nil
}
