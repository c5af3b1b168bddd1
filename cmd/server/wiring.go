package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	httpapi "impactledger/internal/http"
	jwttoken "impactledger/internal/jwt_token"
	"impactledger/internal/ledger/events"
	"impactledger/internal/ledger/payout"
	"impactledger/internal/ledger/service"
	"impactledger/internal/ledger/store"
	"impactledger/internal/platform/config"
	platformredis "impactledger/internal/platform/redis"
	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
	"impactledger/pkg/platform/circuit"
)

// serviceOptions returns the infrastructure-backed service options.
func (i *infra) serviceOptions() []service.Option {
	opts := []service.Option{service.WithPublisher(i.publisher)}
	if i.custody != nil {
		opts = append(opts, service.WithCustody(i.custody))
	}
	return opts
}

// demoOrganization is registered and approved when LEDGER_SEED_DEMO is set.
var demoOrganization = id.MustParseIdentity("0xD3E0000000000000000000000000000000000001")

type infra struct {
	store     service.Store
	storeKind string
	payout    service.Payout
	custody   service.Custody
	publisher events.Fanout
	checks    map[string]httpapi.HealthCheck
	closers   []func()
}

func (i *infra) Close() {
	for j := len(i.closers) - 1; j >= 0; j-- {
		i.closers[j]()
	}
}

func buildInfra(ctx context.Context, cfg config.Server, log *slog.Logger) (*infra, error) {
	in := &infra{checks: map[string]httpapi.HealthCheck{}}
	ok := false
	defer func() {
		if !ok {
			in.Close()
		}
	}()

	if err := in.openStore(ctx, cfg, log); err != nil {
		return nil, err
	}

	in.publisher = append(in.publisher, events.NewBus())
	if err := in.openPayout(ctx, cfg, log); err != nil {
		return nil, err
	}
	if err := in.openRedis(ctx, cfg, log); err != nil {
		return nil, err
	}
	if err := in.openKafka(ctx, cfg, log); err != nil {
		return nil, err
	}

	ok = true
	return in, nil
}

// openStore uses PostgreSQL when a database URL is configured and the
// in-memory store otherwise.
func (i *infra) openStore(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	owner := cfg.OwnerIdentity()
	if cfg.Database.URL == "" {
		i.store = store.NewInMemory(owner)
		i.storeKind = "memory"
		log.Warn("LEDGER_DATABASE_URL not set, ledger state is kept in memory only")
		return nil
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	i.closers = append(i.closers, func() { _ = db.Close() })
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLife)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	pg := store.NewPostgres(db)
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	if err := pg.Bootstrap(ctx, owner); err != nil {
		return err
	}
	i.store = pg
	i.storeKind = "postgres"
	i.checks["postgres"] = db.PingContext
	return nil
}

// openPayout uses the HTTP custodian when configured. Otherwise an
// in-process vault holds custody, seeded with the balance already recorded
// in the store and credited by the service as donations are recorded.
func (i *infra) openPayout(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	if cfg.Custodian.URL != "" {
		breaker := circuit.New("custodian",
			circuit.WithFailureThreshold(cfg.Custodian.FailureThreshold),
			circuit.WithSuccessThreshold(cfg.Custodian.SuccessThreshold),
			circuit.WithCooldown(cfg.Custodian.Cooldown),
		)
		custodian, err := payout.NewHTTPCustodian(cfg.Custodian.URL,
			payout.WithHTTPClient(&http.Client{Timeout: cfg.Custodian.Timeout}),
			payout.WithBreaker(breaker),
			payout.WithLogger(log),
		)
		if err != nil {
			return fmt.Errorf("build custodian: %w", err)
		}
		i.payout = custodian
		return nil
	}

	vault := payout.NewVault()
	balance, err := i.store.CustodialBalance(ctx)
	if err != nil {
		return fmt.Errorf("read custodial balance: %w", err)
	}
	vault.Deposit(balance)
	i.payout = vault
	i.custody = vault
	return nil
}

func (i *infra) openRedis(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	client, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if client == nil {
		return nil
	}
	i.closers = append(i.closers, func() { _ = client.Close() })
	pub, err := events.NewRedisPublisher(client.Client, cfg.Redis.Channel)
	if err != nil {
		return err
	}
	i.publisher = append(i.publisher, pub)
	i.checks["redis"] = client.Health
	log.Info("publishing ledger events to redis", "channel", cfg.Redis.Channel)
	return nil
}

func (i *infra) openKafka(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil
	}
	pub, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return err
	}
	i.closers = append(i.closers, pub.Close)
	if err := pub.EnsureTopic(ctx, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
		return err
	}
	i.publisher = append(i.publisher, pub)
	i.checks["kafka"] = pub.Ping
	log.Info("publishing ledger events to kafka", "topic", cfg.Kafka.Topic)
	return nil
}

// seedDemo registers and approves a demo organization. Safe to repeat.
func seedDemo(ctx context.Context, svc *service.Service, owner id.Identity, log *slog.Logger) error {
	_, err := svc.Register(ctx, service.RegisterRequest{
		Name:        "Demo Relief Fund",
		Description: "Seeded organization for local runs",
	}, demoOrganization)
	if err != nil && !dErrors.HasCode(err, dErrors.CodeConflict) {
		return fmt.Errorf("seed demo organization: %w", err)
	}
	if err := svc.Approve(ctx, demoOrganization, true, owner); err != nil {
		if dErrors.HasCode(err, dErrors.CodeForbidden) {
			log.Warn("demo organization not approved, bootstrap owner no longer owns the ledger")
			return nil
		}
		return fmt.Errorf("approve demo organization: %w", err)
	}
	log.Info("seeded demo organization", "org_id", demoOrganization.String())
	return nil
}

// logDevTokens prints bearer tokens for the owner and demo organization so
// local runs can call authenticated routes.
func logDevTokens(tokens *jwttoken.JWTService, owner id.Identity, log *slog.Logger) {
	for name, who := range map[string]id.Identity{"owner": owner, "demo_org": demoOrganization} {
		token, err := tokens.GenerateAccessToken(who, 24*time.Hour)
		if err != nil {
			log.Warn("failed to issue dev token", "role", name, "error", err)
			continue
		}
		log.Info("dev bearer token", "role", name, "identity", who.String(), "token", token)
	}
}
