package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	restate "github.com/restatedev/sdk-go"
	"github.com/restatedev/sdk-go/server"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/fx"

	internalapi "github.com/AnthonyGillesRudolfo/donation-checkout/internal/api"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
	appconfig "github.com/AnthonyGillesRudolfo/donation-checkout/internal/config"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/events"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/outcome"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/relay"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/secrets"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/session"
	postgres "github.com/AnthonyGillesRudolfo/donation-checkout/internal/storage/postgres"
	redisstore "github.com/AnthonyGillesRudolfo/donation-checkout/internal/storage/redis"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/telemetry"
)

func newLogger(cfg appconfig.Config) *log.Logger {
	prefix := ""
	if cfg.ServiceName != "" {
		prefix = fmt.Sprintf("[%s] ", cfg.ServiceName)
	}
	logger := log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
	log.SetOutput(os.Stdout)
	log.SetFlags(logger.Flags())
	log.SetPrefix(prefix)
	return logger
}

func setupTelemetry(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger) {
	var shutdown func(context.Context) error
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			if shutdown, err = telemetry.InitTracer(ctx, cfg.ServiceName); err != nil {
				logger.Printf("WARNING: tracing disabled: %v", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if shutdown != nil {
				return shutdown(ctx)
			}
			return nil
		},
	})
}

// newSQLDB provides the shared pool. The service keeps running without a
// database; repository calls then fail with a clear error.
func newSQLDB(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger) (*sql.DB, error) {
	logger.Printf("Connecting to PostgreSQL database %s@%s:%d", cfg.Database.Database, cfg.Database.Host, cfg.Database.Port)
	db, err := postgres.Open(cfg.Database)
	if err != nil {
		logger.Printf("WARNING: failed to connect to database: %v", err)
		return nil, nil
	}
	logger.Printf("Database connection established successfully")
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

// newKafkaProducer constructs a shared Kafka producer and binds its lifecycle to Fx.
func newKafkaProducer(cfg appconfig.Config, lc fx.Lifecycle) *events.Producer {
	prod := events.NewProducer(cfg.Kafka.Brokers)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return prod.Close()
		},
	})
	return prod
}

// newAttemptStore uses Redis when REDIS_URL is set so every replica sees the
// same attempt views, and process memory otherwise.
func newAttemptStore(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger) (outcome.AttemptStore, error) {
	if cfg.Redis.URL == "" {
		logger.Printf("Attempt store: in-memory (ttl=%s)", cfg.Redis.AttemptTTL)
		return outcome.NewMemoryStore(cfg.Redis.AttemptTTL), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := redisstore.NewAttemptStore(ctx, cfg.Redis.URL, cfg.Redis.AttemptTTL)
	if err != nil {
		return nil, err
	}
	logger.Printf("Attempt store: redis (ttl=%s)", cfg.Redis.AttemptTTL)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newResultSink(logger *log.Logger, cfg appconfig.Config, store outcome.AttemptStore, prod *events.Producer, repo *postgres.Repository) checkout.ResultSink {
	return outcome.NewFanOut(logger,
		outcome.StoreSink{Store: store},
		outcome.TotalsSink{Recorder: repo},
		outcome.KafkaSink{Publisher: prod, Topic: cfg.Kafka.DonationsTopic},
	)
}

func newCoordinator(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger, sessions *session.Client, windows *relay.Windows, hub *relay.Hub, sink checkout.ResultSink) *checkout.Coordinator {
	coord := checkout.New(cfg.Checkout.Coordinator(), sessions, windows, hub, sink, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if n := coord.Active(); n > 0 {
				logger.Printf("Abandoning %d in-flight donation attempts", n)
			}
			coord.Shutdown()
			return nil
		},
	})
	return coord
}

func registerWebServer(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger, shutdowner fx.Shutdowner, coord *checkout.Coordinator, store outcome.AttemptStore, windows *relay.Windows, hub *relay.Hub, prod *events.Producer) {
	httpServer := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: internalapi.NewHandler(internalapi.Deps{
			Coordinator:    coord,
			Attempts:       store,
			Windows:        windows,
			Hub:            hub,
			Publisher:      prod,
			PaymentsTopic:  cfg.Kafka.PaymentsTopic,
			CallbackToken:  cfg.Xendit.CallbackToken,
			AllowedOrigins: cfg.Checkout.AllowedOrigins(),
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Printf("Donation API listening on %s", cfg.HTTP.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Printf("API server error: %v", err)
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	})
}

func registerPaymentsConsumer(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger, shutdowner fx.Shutdowner, sessions *session.Client) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.PaymentsTopic,
		GroupID:  cfg.Kafka.PaymentsGroup,
		MinBytes: 1e3, MaxBytes: 10e6,
	})
	handler := &events.PaymentsHandler{Sessions: sessions, Logger: logger}
	consumer := &events.Consumer{
		Reader:      reader,
		Topic:       cfg.Kafka.PaymentsTopic,
		Group:       cfg.Kafka.PaymentsGroup,
		Handler:     handler.Handle,
		MaxAttempts: cfg.Kafka.MaxAttempts,
		Backoff:     cfg.Kafka.RetryBackoff,
		Logger:      logger,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := consumer.Run(ctx); err != nil {
					logger.Printf("payments consumer stopped with error: %v", err)
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			_ = reader.Close()
			<-done
			return nil
		},
	})
}

func registerRestateServer(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger, shutdowner fx.Shutdowner, srv *server.Restate) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Println("Restate server listening on", cfg.Restate.ListenAddr)
			logger.Printf("  - %s: VIRTUAL OBJECT (keyed by session ID)", session.ServiceName)
			displayAddr := cfg.Restate.ListenAddr
			if strings.HasPrefix(displayAddr, ":") {
				displayAddr = "localhost" + displayAddr
			}
			logger.Printf("Register with Restate: restate deployments register http://%s", displayAddr)

			go func() {
				defer close(done)
				if err := srv.Start(ctx, cfg.Restate.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
					logger.Printf("Restate server error: %v", err)
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

func buildRestateServer(cfg appconfig.Config, repo *postgres.Repository, logger *log.Logger) *server.Restate {
	obj := &session.Object{Store: repo, FallbackBaseURL: cfg.Xendit.FallbackURL}
	if cfg.Xendit.SecretKey != "" {
		obj.Invoices = session.NewXenditClient(cfg.Xendit.SecretKey, cfg.Xendit.SuccessURL, cfg.Xendit.FailureURL)
	} else {
		logger.Printf("XENDIT_SECRET_KEY not set; sessions use fallback payment URLs under %s", cfg.Xendit.FallbackURL)
	}

	sessionObject := restate.NewObject(session.ServiceName).
		Handler("CreateSession", restate.NewObjectHandler(obj.CreateSession)).
		Handler("GetStatus", restate.NewObjectSharedHandler(obj.GetStatus)).
		Handler("MarkStatus", restate.NewObjectHandler(obj.MarkStatus))

	return server.NewRestate().Bind(sessionObject)
}

func main() {
	_ = godotenv.Load()
	if err := secrets.Bootstrap(context.Background()); err != nil {
		log.Printf("WARNING: OpenBao bootstrap failed: %v", err)
	}

	app := fx.New(
		fx.Provide(
			appconfig.Load,
			newLogger,
			newSQLDB,
			func(db *sql.DB) *postgres.Repository { return postgres.NewRepository(db) },
			newKafkaProducer,
			newAttemptStore,
			newResultSink,
			func(cfg appconfig.Config) *session.Client {
				return session.NewClient(cfg.Restate.RuntimeURL, cfg.Restate.IngressTimeout)
			},
			func(logger *log.Logger) *relay.Hub { return relay.NewHub(logger) },
			func(cfg appconfig.Config, logger *log.Logger) *relay.Windows {
				return relay.NewWindows(cfg.Checkout.WindowOpenTimeout, cfg.Checkout.WindowHeartbeatTTL, logger)
			},
			newCoordinator,
			buildRestateServer,
		),
		fx.Invoke(
			func(logger *log.Logger, cfg appconfig.Config) {
				logger.Printf("Starting %s (ambiguous outcome policy: %s)", cfg.ServiceName, cfg.Checkout.AmbiguousOutcome)
			},
			setupTelemetry,
			registerRestateServer,
			registerPaymentsConsumer,
			registerWebServer,
		),
	)

	app.Run()
}
