package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/flowengine/common/db"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/models"
)

// LogRepository handles database operations for execution logs
type LogRepository struct {
	db *db.DB
}

// NewLogRepository creates a new log repository
func NewLogRepository(database *db.DB) *LogRepository {
	return &LogRepository{db: database}
}

// Append inserts a log entry
func (r *LogRepository) Append(ctx context.Context, entry *models.ExecutionLog) error {
	return insertLog(ctx, r.db, entry)
}

func insertLog(ctx context.Context, q execer, entry *models.ExecutionLog) error {
	metadata, err := marshalMaybe(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var nodeID *string
	if entry.NodeID != "" {
		nodeID = &entry.NodeID
	}

	query := `
		INSERT INTO execution_logs (id, execution_id, node_id, level, message, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	_, err = q.Exec(ctx, query,
		id,
		entry.ExecutionID,
		nodeID,
		entry.Level,
		entry.Message,
		metadata,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// Tail returns the most recent entries for an execution, oldest first
func (r *LogRepository) Tail(ctx context.Context, executionID uuid.UUID, limit int) ([]*models.ExecutionLog, error) {
	query := `
		SELECT id, execution_id, node_id, level, message, metadata, timestamp
		FROM (
			SELECT id, execution_id, node_id, level, message, metadata, timestamp
			FROM execution_logs
			WHERE execution_id = $1
			ORDER BY timestamp DESC
			LIMIT $2
		) recent
		ORDER BY timestamp ASC
	`

	rows, err := r.db.Query(ctx, query, executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to tail logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.ExecutionLog
	for rows.Next() {
		entry := &models.ExecutionLog{}
		var metadata []byte
		var nodeID *string

		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &nodeID, &entry.Level, &entry.Message, &metadata, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		if nodeID != nil {
			entry.NodeID = *nodeID
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}
	return entries, nil
}

// LogAppender is the single-entry append slice of LogRepository
type LogAppender interface {
	Append(ctx context.Context, entry *models.ExecutionLog) error
}

// AsyncLogWriter decouples the executor from log persistence through a
// bounded buffer. When the buffer fills, entries are dropped with a warning
// rather than stalling the readiness loop.
type AsyncLogWriter struct {
	repo   LogAppender
	log    *logger.Logger
	buffer chan *models.ExecutionLog
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAsyncLogWriter starts the background drain goroutine
func NewAsyncLogWriter(repo LogAppender, log *logger.Logger, bufferSize int) *AsyncLogWriter {
	w := &AsyncLogWriter{
		repo:   repo,
		log:    log,
		buffer: make(chan *models.ExecutionLog, bufferSize),
	}

	w.wg.Add(1)
	go w.drain()
	return w
}

// Write queues an entry without blocking
func (w *AsyncLogWriter) Write(entry *models.ExecutionLog) {
	select {
	case w.buffer <- entry:
	default:
		w.log.Warn("log buffer full, dropping entry",
			"execution_id", entry.ExecutionID,
			"node_id", entry.NodeID)
	}
}

func (w *AsyncLogWriter) drain() {
	defer w.wg.Done()

	for entry := range w.buffer {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.repo.Append(ctx, entry); err != nil {
			w.log.Error("failed to persist log entry", "error", err)
		}
		cancel()
	}
}

// Close flushes remaining entries and stops the writer
func (w *AsyncLogWriter) Close() error {
	w.once.Do(func() {
		close(w.buffer)
	})
	w.wg.Wait()
	return nil
}
