package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"forumdb/pkg/board"
	"forumdb/pkg/config"
	"forumdb/pkg/ingest"
	"forumdb/pkg/logger"
	"forumdb/pkg/models"
	"forumdb/pkg/store"
	"forumdb/pkg/syncd"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg     *config.Config
	addr    string
	dbPath  string
	version string

	mgr   *board.Manager
	queue *ingest.Queue

	srv        *http.Server
	workerStop chan struct{}
	syncCancel context.CancelFunc
}

// New initializes resources that do not require a running context: the
// logger, the store and the board manager with its persisted subscriptions.
// Call Run to start the ingest worker, the sync scheduler and the HTTP
// server and block until shutdown.
func New(cfg *config.Config, addr, dbPath, version string) (*App, error) {
	_ = godotenv.Load(".env")
	logger.InitWithLevel(cfg.Logging.Level)

	if err := store.Open(dbPath, board.Schemas()...); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dbPath, err)
	}

	mgr := board.NewManager(board.AllowAllPolicy{}, board.UTCClock{})
	if err := mgr.LoadSubscriptions(); err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	a := &App{
		cfg:        cfg,
		addr:       addr,
		dbPath:     dbPath,
		version:    version,
		mgr:        mgr,
		queue:      ingest.NewQueue(cfg.Ingest.QueueSize),
		workerStop: make(chan struct{}),
	}
	return a, nil
}

// Manager exposes the board manager, mainly for tests and tools.
func (a *App) Manager() *board.Manager { return a.mgr }

// Run starts the workers and the HTTP server and blocks until ctx is
// canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	go a.queue.RunWorker(a.workerStop, a.handleOp)

	cancel, err := syncd.Start(ctx, a.mgr, a.cfg.Sync.Enabled, a.cfg.Sync.Cron)
	if err != nil {
		return err
	}
	a.syncCancel = cancel

	logger.Info("server_starting", "addr", a.addr, "db", a.dbPath, "version", a.version)
	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

// handleOp decodes one fetched payload and hands it to the board manager.
// Bad payloads are logged and dropped; the fetcher already moved on.
func (a *App) handleOp(op *ingest.Op) error {
	var msg models.Message
	if err := json.Unmarshal(op.Payload, &msg); err != nil {
		logger.Error("ingest_decode_failed", "uri", op.URI, "error", err)
		return err
	}
	if msg.URI == "" {
		msg.URI = op.URI
	}
	if msg.Origin == "" {
		msg.Origin = models.OriginFetched
	}
	if err := a.mgr.AcceptMessage(&msg); err != nil {
		logger.Error("ingest_accept_failed", "id", msg.ID, "error", err)
		return err
	}
	return nil
}

func (a *App) shutdown() {
	if a.syncCancel != nil {
		a.syncCancel()
	}
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.srv.Shutdown(ctx)
		cancel()
	}
	close(a.workerStop)
	if err := store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("server_stopped")
	logger.Sync()
}
