// Command rpcclient is a minimal standalone process that brings up an RPC
// client against a Kafka-compatible broker, serves its Prometheus metrics
// over HTTP, and blocks until a signal arrives; it sends no request itself.
// It exists mainly so the client can be exercised from outside a test
// binary; most embedders will import the rpc and config packages directly
// instead of shelling out to this command.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/rpcbroker/config"
	"github.com/adred-codev/rpcbroker/internal/broker/kafka"
	"github.com/adred-codev/rpcbroker/internal/logging"
	"github.com/adred-codev/rpcbroker/internal/rpc"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug       = flag.Bool("debug", false, "enable debug logging (overrides RPC_LOG_LEVEL)")
		metricsAddr = flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}
	if *debug {
		cfg.LogLevel = string(logging.LevelDebug)
	}

	logger := logging.New(logging.Config{Level: logging.Level(cfg.LogLevel), Format: logging.Format(cfg.LogFormat)})
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting rpc client")

	b, err := kafka.New(kafka.Config{
		SeedBrokers:  cfg.BrokerSeedAddresses,
		PullBatch:    cfg.PullBatch,
		ConsumeBatch: cfg.ConsumeBatch,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create kafka broker")
	}

	client := rpc.New(b, rpc.Options{
		RequestTopic:          cfg.RequestTopic,
		ResponseTopicPrefix:   cfg.ResponseTopicPrefix,
		RequestTopicQueues:    cfg.RequestTopicQueues,
		ResponseTopicQueues:   cfg.ResponseTopicQueues,
		DefaultTimeout:        cfg.DefaultTimeout(),
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		RetrySync:             cfg.RetrySync,
		RetryAsync:            cfg.RetryAsync,
		SendTimeout:           time.Duration(cfg.SendTimeoutMs) * time.Millisecond,
		MaxMessageBytes:       cfg.MaxMessageBytes,
		ConsumeThreadsMin:     cfg.ConsumeThreadsMin,
		ConsumeThreadsMax:     cfg.ConsumeThreadsMax,
		SessionIdleTimeout:    time.Duration(cfg.SessionIdleTimeoutMs) * time.Millisecond,
		ReapInterval:          time.Duration(cfg.ReapIntervalMs) * time.Millisecond,
		SendRatePerSec:        cfg.SendRatePerSec,
		MetricsLogEnabled:     cfg.MetricsLogEnabled,
		MetricsLogInterval:    time.Duration(cfg.MetricsLogIntervalSec) * time.Second,
	}, logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := client.Start(startCtx); err != nil {
		cancelStart()
		logger.Fatal().Err(err).Msg("failed to start rpc client")
	}
	cancelStart()

	metricsServer := &http.Server{Addr: *metricsAddr, Handler: client.Metrics().Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()
	logger.Info().Str("addr", *metricsAddr).Msg("metrics server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down rpc client")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	_ = metricsServer.Shutdown(shutdownCtx)
	cancelShutdown()

	if err := client.Close(); err != nil {
		logger.Error().Err(err).Msg("error during rpc client shutdown")
	}
}
