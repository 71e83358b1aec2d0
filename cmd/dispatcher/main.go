package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"coopmsg/internal/awsutil"
	"coopmsg/internal/channel"
	"coopmsg/internal/config"
	"coopmsg/internal/dispatch"
	"coopmsg/internal/gateway"
	"coopmsg/internal/httpapi"
	"coopmsg/internal/ledger"
	"coopmsg/internal/logging"
	"coopmsg/internal/observability"
	sqsqueue "coopmsg/internal/queue/sqs"
	"coopmsg/internal/resolver"
	"coopmsg/internal/store/pg"
)

func main() {
	cfg := config.LoadDispatcher()
	logging.Init("dispatcher", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("dispatcher db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("dispatcher sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()

	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.SQSQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	gw := &gateway.Client{
		APIKey:  cfg.GatewayAPIKey,
		BaseURL: cfg.GatewayBaseURL,
		HTTP:    &http.Client{Timeout: 8 * time.Second},
	}

	mgr := channel.NewManager(gw, st, channel.Config{
		PairingTimeout:     mustDur("PAIRING_TIMEOUT", cfg.PairingTimeout),
		PairingPoll:        mustDur("PAIRING_POLL_INTERVAL", cfg.PairingPoll),
		MaxConnectAttempts: cfg.MaxConnectAttempts,
		BackoffBase:        mustDur("CONNECT_BACKOFF_BASE", cfg.ConnectBackoffBase),
		BackoffCap:         mustDur("CONNECT_BACKOFF_CAP", cfg.ConnectBackoffCap),
		HeartbeatInterval:  mustDur("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval),
		ReconnectGrace:     mustDur("RECONNECT_GRACE", cfg.ReconnectGrace),
	}, slog.Default())

	pacing := mustDur("SEND_PACING", cfg.SendPacing)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	led := &ledger.Ledger{Store: st, Log: slog.Default()}
	engine := &dispatch.Engine{
		Store:           st,
		Resolver:        &resolver.Resolver{Contacts: st, Log: slog.Default()},
		Conn:            mgr,
		Ledger:          led,
		Limiter:         rate.NewLimiter(rate.Every(pacing), 1),
		Breaker:         cb,
		MaxSendAttempts: cfg.MaxSendAttempts,
		Log:             slog.Default(),
	}

	// the session must be live before any dispatching can happen
	mgr.RequestConnect()

	// control/health server: the dispatcher owns the channel session, so the
	// connection endpoints live here
	r := mux.NewRouter()
	chAPI := &httpapi.ChannelAPI{Mgr: mgr}
	chAPI.Register(r)
	r.HandleFunc("/healthz", httpapi.Healthz())
	r.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.SQSQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(r),
	}

	srvErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher control listening", "port", cfg.Port)
		srvErrCh <- srv.ListenAndServe()
	}()

	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		slog.Info("dispatcher metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("dispatcher metrics server failed", "err", err)
		}
	}()

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher starting poll", "queue_url", cfg.SQSQueueURL)
		pollErrCh <- consumer.Poll(ctx, func(ctx context.Context, job sqsqueue.BroadcastJob) (err error) {
			start := time.Now()
			slog.Info("dispatch job start", "broadcast_id", job.BroadcastID)
			defer func() {
				if err != nil {
					slog.Info("dispatch job finish",
						"broadcast_id", job.BroadcastID,
						"status", "error",
						"duration", time.Since(start),
						"err", err,
					)
				} else {
					slog.Info("dispatch job finish",
						"broadcast_id", job.BroadcastID,
						"status", "ok",
						"duration", time.Since(start),
					)
				}
			}()
			return engine.Run(ctx, job.BroadcastID)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("dispatcher poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("dispatcher control server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("dispatcher shutdown", "signal", sig.String())
	}

	cancel()
	mgr.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("dispatcher shutdown timeout waiting for poll loop")
	}
}

func mustDur(name, v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Error("invalid duration", "name", name, "value", v)
		os.Exit(1)
	}
	return d
}
