package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ahmadqmalzoubi/kms-service/api"
	"github.com/ahmadqmalzoubi/kms-service/api/proxyhandler"
	"github.com/ahmadqmalzoubi/kms-service/common"
	"github.com/ahmadqmalzoubi/kms-service/health"
	"github.com/ahmadqmalzoubi/kms-service/httpserver"
	"github.com/ahmadqmalzoubi/kms-service/kmsclient"
	"github.com/ahmadqmalzoubi/kms-service/ratelimit"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "backend-url",
		Value: "http://127.0.0.1:9000",
		Usage: "base URL of the KMS backend",
	},
	&cli.StringFlag{
		Name:    "api-key",
		Value:   "",
		Usage:   "pre-shared API key clients must present",
		EnvVars: []string{"GATEWAY_API_KEY"},
	},
	&cli.StringFlag{
		Name:    "backend-api-key",
		Value:   "",
		Usage:   "credential attached to backend calls (defaults to api-key)",
		EnvVars: []string{"GATEWAY_BACKEND_API_KEY"},
	},
	&cli.Int64Flag{
		Name:  "backend-timeout-seconds",
		Value: 30,
		Usage: "overall deadline for one backend operation, all retries included",
	},
	&cli.IntFlag{
		Name:  "backend-retries",
		Value: 3,
		Usage: "number of retries after the first backend attempt",
	},
	&cli.Int64Flag{
		Name:  "retry-base-delay-ms",
		Value: 100,
		Usage: "backoff delay before the first retry",
	},
	&cli.Int64Flag{
		Name:  "retry-max-delay-ms",
		Value: 5000,
		Usage: "cap on the exponential backoff delay",
	},
	&cli.Float64Flag{
		Name:  "retry-jitter-fraction",
		Value: 0.2,
		Usage: "jitter added to each backoff delay, as a fraction of it",
	},
	&cli.IntFlag{
		Name:  "rate-limit",
		Value: 100,
		Usage: "requests admitted per client per window",
	},
	&cli.Int64Flag{
		Name:  "rate-window-seconds",
		Value: 60,
		Usage: "rate limit window size",
	},
	&cli.Int64Flag{
		Name:  "probe-interval-seconds",
		Value: 30,
		Usage: "interval between active backend health probes",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "kms-gateway",
		Usage: "Authenticate, rate-limit, and forward KMS operations to a backend",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			backendURL := cCtx.String("backend-url")
			apiKey := cCtx.String("api-key")
			backendAPIKey := cCtx.String("backend-api-key")
			backendTimeout := time.Duration(cCtx.Int64("backend-timeout-seconds")) * time.Second
			backendRetries := cCtx.Int("backend-retries")
			retryBaseDelay := time.Duration(cCtx.Int64("retry-base-delay-ms")) * time.Millisecond
			retryMaxDelay := time.Duration(cCtx.Int64("retry-max-delay-ms")) * time.Millisecond
			jitterFraction := cCtx.Float64("retry-jitter-fraction")
			rateLimit := cCtx.Int("rate-limit")
			rateWindow := time.Duration(cCtx.Int64("rate-window-seconds")) * time.Second
			probeInterval := time.Duration(cCtx.Int64("probe-interval-seconds")) * time.Second
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			if apiKey == "" {
				logger.Error("api-key is required")
				return errors.New("api-key is required")
			}
			if backendAPIKey == "" {
				backendAPIKey = apiKey
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			aggregator := health.New(health.Config{})

			backend, err := kmsclient.New(kmsclient.Config{
				BaseURL:        backendURL,
				APIKey:         backendAPIKey,
				MaxRetries:     backendRetries,
				BaseDelay:      retryBaseDelay,
				MaxDelay:       retryMaxDelay,
				JitterFraction: jitterFraction,
				Client:         &http.Client{Timeout: backendTimeout},
				Health:         aggregator,
				Log:            logger,
			})
			if err != nil {
				logger.Error("Failed to create backend client", "err", err)
				return err
			}

			prober := health.NewProber(aggregator, backend, probeInterval, probeInterval, logger)
			prober.Start(ctx)
			defer prober.Stop()

			limiter := ratelimit.New(ratelimit.Config{
				Limit:  rateLimit,
				Window: rateWindow,
				Log:    logger,
			})
			limiter.StartSweep(ctx)
			defer limiter.Stop()

			creds := api.NewStaticCredentialValidator(apiKey)
			handler := proxyhandler.NewHandler(limiter, backend, creds, backendTimeout, logger)

			cfg := &httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}

			server, err := httpserver.New(cfg, handler, aggregator)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server", "backendURL", backendURL, "rateLimit", rateLimit, "rateWindow", rateWindow)
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
