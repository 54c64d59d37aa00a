package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/config"
	"github.com/McLeuker/mcleukerai-sub000/internal/models"
)

// Store persists research tasks and their accumulated sources. Writes during
// an active task go through async queues so a slow database never stalls an
// iteration round; a full queue falls back to a synchronous write rather than
// dropping the record. Each task hashes to one worker, so writes for the
// same task apply in the order they were queued and a later phase can never
// be overwritten by an earlier one.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	queues   []chan writeRequest
	stopCh   chan struct{}
	workerWg sync.WaitGroup
}

type writeKind int

const (
	writeTask writeKind = iota
	writeSources
)

func (k writeKind) String() string {
	switch k {
	case writeTask:
		return "task"
	case writeSources:
		return "sources"
	default:
		return "unknown"
	}
}

type writeRequest struct {
	kind    writeKind
	task    *models.ResearchTask
	taskID  string
	sources []models.Source
}

// New opens a connection pool per the configuration and starts the write
// workers. The connection is verified with a short ping before returning.
func New(cfg *config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	maxConns := cfg.MaxConnections
	if maxConns == 0 {
		maxConns = 25
	}
	idleConns := cfg.IdleConnections
	if idleConns == 0 {
		idleConns = 5
	}
	maxLifetime := cfg.MaxLifetime
	if maxLifetime == 0 {
		maxLifetime = 5 * time.Minute
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(idleConns)
	db.SetConnMaxLifetime(maxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewWithDB(db, logger)
	logger.Info("store initialized",
		zap.String("host", cfg.Host),
		zap.Int("max_connections", maxConns),
		zap.Int("workers", len(s.queues)),
	)
	return s, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	s := &Store{
		db:     db,
		logger: logger,
		queues: make([]chan writeRequest, 4),
		stopCh: make(chan struct{}),
	}
	for i := range s.queues {
		s.queues[i] = make(chan writeRequest, 64)
		s.workerWg.Add(1)
		go s.writeWorker(s.queues[i])
	}
	return s
}

func (s *Store) writeWorker(queue chan writeRequest) {
	defer s.workerWg.Done()
	for {
		select {
		case <-s.stopCh:
			s.drainQueue(queue)
			return
		case req := <-queue:
			s.processWrite(req)
		}
	}
}

func (s *Store) processWrite(req writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch req.kind {
	case writeTask:
		err = s.SaveTask(ctx, req.task)
	case writeSources:
		err = s.SaveSources(ctx, req.taskID, req.sources)
	}
	if err != nil {
		// Persistence failures must not fail the research task itself.
		s.logger.Error("store write failed",
			zap.String("kind", req.kind.String()),
			zap.Error(err),
		)
	}
}

func (s *Store) drainQueue(queue chan writeRequest) {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-queue:
			s.processWrite(req)
		case <-timeout:
			s.logger.Warn("timeout draining store write queue")
			return
		default:
			return
		}
	}
}

// workerIndex maps a task ID to its write queue. All writes for one task go
// through the same worker.
func (s *Store) workerIndex(taskID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *Store) enqueue(taskID string, req writeRequest) {
	select {
	case s.queues[s.workerIndex(taskID)] <- req:
	default:
		// Overload path: the write still lands, at the cost of ordering
		// against whatever is queued for this task.
		s.logger.Warn("store write queue full, writing synchronously",
			zap.String("kind", req.kind.String()))
		s.processWrite(req)
	}
}

// QueueTask schedules an async upsert of the task row.
func (s *Store) QueueTask(task *models.ResearchTask) {
	copied := *task
	s.enqueue(copied.ID.String(), writeRequest{kind: writeTask, task: &copied})
}

// QueueSources schedules an async upsert of the task's sources.
func (s *Store) QueueSources(taskID string, sources []models.Source) {
	copied := make([]models.Source, len(sources))
	copy(copied, sources)
	s.enqueue(taskID, writeRequest{kind: writeSources, taskID: taskID, sources: copied})
}

// Close stops the workers, drains pending writes and closes the pool.
func (s *Store) Close() error {
	close(s.stopCh)
	s.workerWg.Wait()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	s.logger.Info("store closed")
	return nil
}

// DB exposes the pool for components that share the connection, such as the
// credit ledger and the auth service.
func (s *Store) DB() *sqlx.DB {
	return s.db
}
