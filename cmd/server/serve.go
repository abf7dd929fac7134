package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"atsflow/internal/appointment"
	"atsflow/internal/approval"
	"atsflow/internal/blob"
	"atsflow/internal/certificate"
	certstore "atsflow/internal/certificate/store"
	"atsflow/internal/ingestion"
	jwttoken "atsflow/internal/jwt_token"
	"atsflow/internal/notify"
	"atsflow/internal/orchestrator"
	"atsflow/internal/platform/config"
	"atsflow/internal/platform/httpserver"
	"atsflow/internal/platform/kafka"
	"atsflow/internal/platform/logger"
	"atsflow/internal/platform/metrics"
	"atsflow/internal/platform/postgres"
	redisclient "atsflow/internal/platform/redis"
	"atsflow/internal/ports"
	"atsflow/internal/ratelimit"
	"atsflow/internal/rbac"
	sessionmetrics "atsflow/internal/session/metrics"
	"atsflow/internal/session/service"
	sessionstore "atsflow/internal/session/store"
	httptransport "atsflow/internal/transport/http"
	"atsflow/internal/validator"
	audit "atsflow/pkg/platform/audit"
	"atsflow/pkg/platform/audit/publishers/compliance"
	auditmemory "atsflow/pkg/platform/audit/store/memory"
	auditpostgres "atsflow/pkg/platform/audit/store/postgres"
	auditsqlite "atsflow/pkg/platform/audit/store/sqlite"
	"atsflow/pkg/platform/audit/worker"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger.New(cfg.Log.Format, cfg.Log.Level))
		},
	}
}

// infra holds the connections shared by the stores and workers.
type infra struct {
	db      *sql.DB
	redis   *redisclient.Client
	kafka   *kgo.Client
	health  map[string]httptransport.HealthCheck
	closers []func() error
}

func (in *infra) onClose(fn func() error) {
	in.closers = append(in.closers, fn)
}

func (in *infra) close(log *slog.Logger) {
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](); err != nil {
			log.Warn("shutdown: close failed", "error", err)
		}
	}
}

func connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*infra, error) {
	in := &infra{health: map[string]httptransport.HealthCheck{}}

	if cfg.Storage.Driver == "postgres" {
		db, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return in, err
		}
		in.db = db
		in.onClose(db.Close)
		in.health["postgres"] = db.PingContext
		if _, err := postgres.Migrate(ctx, db, log); err != nil {
			return in, err
		}
	}

	client, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		return in, err
	}
	if client != nil {
		in.redis = client
		in.onClose(client.Close)
		in.health["redis"] = client.Health
	}

	if cfg.Kafka.Enabled() {
		kc, err := kafka.NewClient(ctx, cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return in, err
		}
		in.kafka = kc
		in.onClose(func() error { kc.Close(); return nil })
		in.health["kafka"] = kc.Ping
		if err := kafka.EnsureTopics(ctx, kc, 1, 1, cfg.Kafka.AuditTopic, cfg.Kafka.NotificationTopic); err != nil {
			return in, err
		}
	}
	return in, nil
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	in, err := connect(ctx, cfg, log)
	defer in.close(log)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	checker := rbac.NewChecker()

	auditStore, err := openAuditStore(cfg, in)
	if err != nil {
		return err
	}
	recorder := compliance.New(auditStore,
		compliance.WithLogger(log),
		compliance.WithMetrics(compliance.NewMetrics(reg)),
	)

	blobs, err := openBlobStore(cfg, in)
	if err != nil {
		return err
	}

	sessions := service.New(sessionStore(in), recorder, sessionOptions(cfg, in, log, reg, checker)...)

	gateway := ingestion.New(sessions, validator.New(cfg.Thresholds), gatewayOptions(cfg, in, log, reg, blobs)...)
	defer gateway.Close()

	renderer, err := certificate.NewRenderer()
	if err != nil {
		return err
	}
	issuer := certificate.New(sessions, certificateStore(in), blobs, renderer,
		certificate.WithLogger(log),
		certificate.WithMetrics(certificate.NewMetrics(reg)),
		certificate.WithValidity(cfg.Certificate.Validity),
		certificate.WithPrefix(cfg.Certificate.Prefix),
		certificate.WithPermissions(checker),
	)
	workflow := approval.New(sessions, checker,
		approval.WithIssuer(issuer),
		approval.WithMaxRetests(cfg.Workflow.MaxRetests),
		approval.WithLogger(log),
	)

	profiles, err := config.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return err
	}
	orch := orchestrator.New(sessions, gateway, workflow, issuer, recorder, checker,
		orchestrator.WithLogger(log),
		orchestrator.WithProfiles(profiles),
	)

	tokens := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer, cfg.Auth.Audience)
	router := httptransport.NewRouter(httptransport.NewHandler(orch, log), httptransport.RouterConfig{
		Logger:         log,
		Tokens:         tokens.Middleware(),
		EquipmentToken: cfg.Auth.EquipmentToken,
		EquipmentLimit: equipmentLimiter(cfg, in, log, reg),
		Metrics:        metrics.Handler(reg),
		Health:         in.health,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Clock:          time.Now,
	})
	srv := httpserver.New(cfg.HTTP.Addr, router, cfg.HTTP.ReadHeaderTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting atsflow", "addr", cfg.HTTP.Addr, "env", cfg.Env,
			"storage", cfg.Storage.Driver, "audit", cfg.Audit.Driver, "blob", cfg.Blob.Driver)
		return httpserver.Run(gctx, srv, cfg.HTTP.ShutdownTimeout)
	})
	if in.db != nil && in.kafka != nil && cfg.Audit.Driver == "postgres" {
		relay := worker.NewRelay(in.db, kafka.NewProducer(in.kafka, cfg.Kafka.AuditTopic),
			worker.WithInterval(cfg.Audit.RelayInterval),
			worker.WithLogger(log),
		)
		g.Go(func() error { return relay.Run(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("atsflow stopped")
	return err
}

func openAuditStore(cfg *config.Config, in *infra) (audit.Store, error) {
	switch cfg.Audit.Driver {
	case "postgres":
		return auditpostgres.New(in.db), nil
	case "sqlite":
		store, err := auditsqlite.Open(cfg.Audit.SQLitePath)
		if err != nil {
			return nil, err
		}
		in.onClose(store.Close)
		return store, nil
	default:
		return auditmemory.NewInMemoryStore(), nil
	}
}

func openBlobStore(cfg *config.Config, in *infra) (ports.BlobStore, error) {
	if cfg.Blob.Driver == "badger" {
		store, err := blob.OpenBadger(cfg.Blob.BadgerDir, cfg.Blob.BaseURL)
		if err != nil {
			return nil, err
		}
		in.onClose(store.Close)
		return store, nil
	}
	return blob.NewMemory(cfg.Blob.BaseURL), nil
}

func sessionStore(in *infra) service.Store {
	if in.db != nil {
		return sessionstore.NewPostgres(in.db)
	}
	return sessionstore.NewMemory()
}

func certificateStore(in *infra) certificate.Store {
	if in.db != nil {
		return certstore.NewPostgres(in.db)
	}
	return certstore.NewMemory()
}

func sessionOptions(cfg *config.Config, in *infra, log *slog.Logger, reg prometheus.Registerer, checker ports.PermissionChecker) []service.Option {
	var lookup ports.AppointmentLookup = appointment.NewStatic(ports.AppointmentConfirmed, nil)
	if in.redis != nil {
		lookup = appointment.NewCached(lookup, in.redis, cfg.Redis.AppointmentTTL, log)
	}

	var notifier ports.Notifier = notify.NewLogNotifier(log)
	if in.kafka != nil {
		producer := kafka.NewProducer(in.kafka, cfg.Kafka.NotificationTopic)
		broker := notify.NewBrokerNotifier(producer, notifier, nil, log)
		in.onClose(func() error {
			broker.Close()
			return nil
		})
		notifier = broker
	}

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(sessionmetrics.New(reg)),
		service.WithPermissions(checker),
		service.WithAppointments(lookup),
		service.WithNotifier(notifier),
		service.WithLockTimeout(cfg.Storage.LockTimeout),
	}
	if in.db != nil {
		opts = append(opts, service.WithTxRunner(postgres.NewRunner(in.db, cfg.Storage.TxTimeout)))
	}
	return opts
}

func gatewayOptions(cfg *config.Config, in *infra, log *slog.Logger, reg prometheus.Registerer, blobs ports.BlobStore) []ingestion.Option {
	var dedupe ingestion.DedupeStore = ingestion.NewMemoryDedupe(cfg.Ingestion.DedupeTTL)
	if in.redis != nil {
		dedupe = ingestion.NewRedisDedupe(in.redis, cfg.Ingestion.DedupeTTL)
	}
	return []ingestion.Option{
		ingestion.WithLogger(log),
		ingestion.WithMetrics(ingestion.NewMetrics(reg)),
		ingestion.WithDedupe(dedupe),
		ingestion.WithBlobStore(blobs),
		ingestion.WithTimeout(cfg.Ingestion.Timeout),
		ingestion.WithBufferSize(cfg.Ingestion.BufferSize),
		ingestion.WithMaxFaultRetries(cfg.Ingestion.MaxFaultRetries),
	}
}

func equipmentLimiter(cfg *config.Config, in *infra, log *slog.Logger, reg prometheus.Registerer) *ratelimit.Limiter {
	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if in.redis != nil {
		store = ratelimit.NewRedisStore(in.redis)
	}
	return ratelimit.New(store, cfg.Ingestion.RateLimit, cfg.Ingestion.RateWindow,
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(ratelimit.NewMetrics(reg)),
	)
}
