package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/benbjohnson/litestream"
	"github.com/benbjohnson/litestream/file"

	"github.com/shotmill/shotmill/config"
)

// Litestream continuously replicates the SQLite store to a file replica.
// Job rows and artifact metadata survive a lost disk up to the last synced
// WAL segment.
type Litestream struct {
	cfg     *config.Provider
	logger  *slog.Logger
	db      *litestream.DB
	replica *litestream.Replica

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownDone chan struct{}
}

func NewLitestream(cfg *config.Provider, logger *slog.Logger) (*Litestream, error) {
	mainCfg := cfg.Get()
	lsCfg := mainCfg.Litestream
	ctx, cancel := context.WithCancel(context.Background())

	db := litestream.NewDB(mainCfg.DBPath)
	db.Logger = logger.With("db", mainCfg.DBPath)

	if err := os.MkdirAll(lsCfg.ReplicaPath, 0750); err != nil && !os.IsExist(err) {
		cancel()
		return nil, fmt.Errorf("litestream: failed to create replica directory %s: %w", lsCfg.ReplicaPath, err)
	}
	absReplicaPath, err := filepath.Abs(lsCfg.ReplicaPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("litestream: failed to resolve replica path %s: %w", lsCfg.ReplicaPath, err)
	}

	replica := litestream.NewReplica(db, lsCfg.ReplicaName)
	replica.Client = file.NewReplicaClient(absReplicaPath)
	db.Replicas = append(db.Replicas, replica)

	return &Litestream{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		replica:      replica,
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
	}, nil
}

func (l *Litestream) Name() string { return "litestream-backup" }

// Start opens the database and begins replication. It returns an error
// immediately when the initial setup fails; afterwards replication runs in
// the background until Stop.
func (l *Litestream) Start() error {
	startupErr := make(chan error, 1)

	go func() {
		l.logger.Info("litestream: starting continuous backup")

		if err := l.db.Open(); err != nil {
			close(l.shutdownDone)
			startupErr <- fmt.Errorf("litestream: failed to open database: %w", err)
			return
		}
		if err := l.replica.Start(l.ctx); err != nil {
			close(l.shutdownDone)
			startupErr <- fmt.Errorf("litestream: failed to start replica: %w", err)
			return
		}

		l.logger.Info("litestream: replication started")
		startupErr <- nil

		<-l.ctx.Done()
		l.logger.Info("litestream: received shutdown signal")

		if err := l.replica.Stop(false); err != nil {
			l.logger.Error("litestream: error stopping replica", "error", err)
		}
		if err := l.db.Close(); err != nil {
			l.logger.Error("litestream: error closing database", "error", err)
		}
		close(l.shutdownDone)
	}()

	return <-startupErr
}

func (l *Litestream) Stop(ctx context.Context) error {
	l.cancel()
	select {
	case <-l.shutdownDone:
		l.logger.Info("litestream: stopped gracefully")
		return nil
	case <-ctx.Done():
		l.logger.Info("litestream: shutdown timed out")
		return ctx.Err()
	}
}
