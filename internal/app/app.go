package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"capital-pools/pool-engine/internal/certificates"
	"capital-pools/pool-engine/internal/commodity"
	"capital-pools/pool-engine/internal/config"
	"capital-pools/pool-engine/internal/cycles"
	"capital-pools/pool-engine/internal/database"
	"capital-pools/pool-engine/internal/events"
	"capital-pools/pool-engine/internal/events/websocket"
	"capital-pools/pool-engine/internal/identity"
	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/internal/pools"
	"capital-pools/pool-engine/internal/settlement"
	"capital-pools/pool-engine/internal/wallet"
	"capital-pools/pool-engine/pkg/pdf"
	"capital-pools/pool-engine/pkg/storage"
)

// App holds the wired engine shared by the API and worker binaries.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	DB           *gorm.DB
	Bus          *events.Bus
	Hub          *websocket.Hub
	Ledger       *ledger.Ledger
	Pools        *pools.Manager
	Commodity    *commodity.Registry
	Cycles       *cycles.Scheduler
	Settlement   *settlement.Engine
	Certificates *certificates.Authority
	Sweeper      *cycles.Sweeper
}

// Models lists every table the engine owns.
func Models() []any {
	var out []any
	for _, m := range [][]any{
		identity.Models(),
		ledger.Models(),
		pools.Models(),
		commodity.Models(),
		cycles.Models(),
		settlement.Models(),
		certificates.Models(),
		wallet.Models(),
	} {
		out = append(out, m...)
	}
	return out
}

// New opens the database and wires every component. When db is nil the
// configured database is opened.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, db *gorm.DB) (*App, error) {
	if db == nil {
		var err error
		db, err = database.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Database.AutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	a := &App{Config: cfg, Logger: logger, DB: db}
	a.Bus = events.NewBus(logger.Named("events"))
	a.Hub = websocket.NewHub(logger.Named("ws"))

	partners := newDirectory(cfg.Identity, db)
	payouts := newWallet(cfg.Wallet, db)

	a.Ledger = ledger.New(db, logger.Named("ledger"))
	a.Pools = pools.NewManager(db, a.Ledger, partners, a.Bus, cfg.Pools, logger.Named("pools"))
	a.Commodity = commodity.NewRegistry(db, cfg.Commodities, logger.Named("commodity"))

	opts, err := cycles.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.Cycles = cycles.NewScheduler(db, a.Pools, a.Ledger, a.Commodity, a.Bus, opts, logger.Named("cycles"))
	a.Settlement = settlement.NewEngine(db, a.Pools, a.Ledger, a.Commodity, payouts, a.Bus,
		settlement.ConfigFrom(cfg.Settlement, opts.RatingTolerant), logger.Named("settlement"))
	a.Cycles.SetSettler(a.Settlement)

	var certOpts []certificates.Option
	if cfg.Certificates.ArchiveBucket != "" {
		store, err := storage.NewS3Client(ctx, storage.S3Options{
			Region:          cfg.AWS.Region,
			Endpoint:        cfg.AWS.Endpoint,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			UsePathStyle:    cfg.AWS.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create document archive: %w", err)
		}
		certOpts = append(certOpts, certificates.WithArchive(store))
	}
	a.Certificates = certificates.NewAuthority(db, a.Ledger, partners, a.Bus, pdf.NewGenerator(),
		certificates.Config{
			Term:          cfg.Certificates.Term,
			ArchiveBucket: cfg.Certificates.ArchiveBucket,
			LinkTTL:       cfg.Certificates.LinkTTL,
		},
		logger.Named("certificates"), certOpts...)

	a.Bus.Subscribe(events.PoolReady, a.Certificates.HandlePoolReady)
	a.Bus.Subscribe(events.PoolReady, a.Cycles.HandlePoolReady)
	a.Bus.Subscribe(events.CycleCompleted, a.Cycles.HandleCycleCompleted)
	a.Bus.SubscribeAll(a.Hub.Forward)

	a.Sweeper = cycles.NewSweeper(cfg.Scheduler.Spec, logger.Named("sweeper"))
	for _, t := range a.SweepTasks() {
		a.Sweeper.AddTask(t)
	}
	return a, nil
}

// SweepTasks are the periodic passes run by the sweeper.
func (a *App) SweepTasks() []cycles.Task {
	batch := a.Config.Scheduler.BatchSize
	tasks := a.Cycles.SweepTasks(batch)
	tasks = append(tasks,
		a.Settlement.SweepTask(batch),
		cycles.Task{Name: "expire_certificates", Run: func(ctx context.Context, now time.Time) error {
			_, err := a.Certificates.ExpireDue(ctx, now)
			return err
		}},
		cycles.Task{Name: "issue_missing_certificates", Run: func(ctx context.Context, _ time.Time) error {
			n, err := a.Certificates.IssueMissing(ctx, batch)
			if n > 0 {
				a.Logger.Warn("Issued missing certificates", zap.Int("count", n))
			}
			return err
		}},
	)
	return tasks
}

// Close stops the sweeper and closes the database
func (a *App) Close() error {
	a.Sweeper.Stop()
	return database.Close(a.DB)
}

func newDirectory(cfg config.ServiceConfig, db *gorm.DB) identity.Directory {
	if cfg.BaseURL == "" {
		return identity.NewDBDirectory(db)
	}
	return identity.NewHTTPDirectory(&http.Client{Timeout: cfg.Timeout}, cfg.BaseURL, cfg.APIKey)
}

func newWallet(cfg config.ServiceConfig, db *gorm.DB) wallet.Wallet {
	if cfg.BaseURL == "" {
		return wallet.NewDBWallet(db)
	}
	return wallet.NewHTTPWallet(&http.Client{Timeout: cfg.Timeout}, cfg.BaseURL, cfg.APIKey)
}
