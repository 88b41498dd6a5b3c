package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"voicebridge/internal/audio"
	"voicebridge/internal/auth"
	"voicebridge/internal/config"
	"voicebridge/internal/ingest"
	"voicebridge/internal/normalize"
	"voicebridge/internal/providers"
	"voicebridge/internal/reconcile"
	"voicebridge/internal/records"
	"voicebridge/internal/syncrun"
	"voicebridge/pkg/logger"
	"voicebridge/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
)

// deps is the object graph shared by serve and sync. Construct with buildDeps
// and release with close.
type deps struct {
	db    *sql.DB
	rdb   *redis.Client
	store *records.SQLStore
	runs  *syncrun.Service

	normalizer *normalize.Normalizer
	audio      *audio.Materializer
	ingestor   *ingest.Ingestor
	sync       *reconcile.Coordinator
	auth       *auth.Manager

	closers []io.Closer
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i].Close()
	}
}

// openDB opens the configured database and applies the schema.
func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	driverName, dsn := cfg.SQLDriver()
	pool := utils.PoolConfig{}
	if cfg.DB.Driver == config.DriverSQLite {
		// one writer; go-sqlite3 serializes anyway and busy errors are avoided
		pool.MaxOpenConns = 1
	}
	db, err := utils.OpenDB(ctx, driverName, dsn, pool)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DB.Driver, err)
	}
	if err := migrate(ctx, db, cfg.DB.Driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB, driver string) error {
	if err := records.Migrate(ctx, db, driver); err != nil {
		return fmt.Errorf("migrate records: %w", err)
	}
	if err := syncrun.Migrate(ctx, db, driver); err != nil {
		return fmt.Errorf("migrate sync runs: %w", err)
	}
	return nil
}

func buildDeps(ctx context.Context, o *rootOptions) (*deps, error) {
	cfg, log := o.cfg, o.log
	d := &deps{}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.db = db
	d.closers = append(d.closers, db)

	locker := reconcile.Locker(reconcile.NewLocalLocker())
	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			d.close()
			return nil, err
		}
		d.rdb = rdb
		d.closers = append(d.closers, rdb)
		locker = reconcile.NewRedisLocker(rdb)
	} else {
		log.Warn("REDIS_HOST not set, sync runs are serialized in-process only")
	}

	var tables normalize.Tables
	if cfg.Normalizer.PathsFile != "" {
		tables, err = normalize.LoadTables(cfg.Normalizer.PathsFile)
		if err != nil {
			d.close()
			return nil, err
		}
		log.Info("normalizer path overrides loaded", "file", cfg.Normalizer.PathsFile)
	}
	d.normalizer = normalize.New(tables)

	d.store = records.NewSQLStore(db)
	d.runs = syncrun.NewService(syncrun.NewSQLRepo(db))

	var dirs []providers.Directory
	if k := cfg.Providers.Vapi.APIKey; k != "" {
		dirs = append(dirs, providers.NewVapi(providers.Options{
			BaseURL: cfg.Providers.Vapi.BaseURL,
			APIKey:  k,
			Timeout: cfg.Providers.HTTPTimeout,
		}, d.normalizer))
	}
	if k := cfg.Providers.Retell.APIKey; k != "" {
		dirs = append(dirs, providers.NewRetell(providers.Options{
			BaseURL: cfg.Providers.Retell.BaseURL,
			APIKey:  k,
			Timeout: cfg.Providers.HTTPTimeout,
		}, d.normalizer))
	}

	d.sync = reconcile.New(d.store, d.runs, dirs, reconcile.Options{
		MaxRetries:  cfg.Sync.MaxRetries,
		BackoffBase: cfg.Sync.BackoffBase,
		LockTTL:     cfg.Sync.LockTTL,
		Locker:      locker,
		Logger:      log.With("component", "reconcile"),
	})

	d.audio, err = audio.New(audio.Options{
		Dir:           cfg.Audio.Dir,
		PublicBaseURL: cfg.Audio.PublicBaseURL,
		Timeout:       cfg.Audio.DownloadTimeout,
		MaxBytes:      cfg.Audio.MaxBytes,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	d.ingestor = ingest.New(d.normalizer, d.store, d.audio)

	d.auth, err = auth.NewManager(cfg.Auth)
	if err != nil {
		d.close()
		return nil, err
	}

	log.Info("dependencies ready",
		"db_driver", cfg.DB.Driver,
		"providers", d.sync.Providers(),
		"redis", cfg.RedisEnabled(),
		"audio_dir", cfg.Audio.Dir,
	)
	return d, nil
}

// withLogger attaches log to ctx for code that logs via logger.From.
func withLogger(ctx context.Context, o *rootOptions) context.Context {
	return logger.With(ctx, o.log)
}
