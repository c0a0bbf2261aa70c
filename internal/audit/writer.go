package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AsyncWriter is a best-effort, buffered audit writer for low-severity,
// non-mutation events (e.g. mcp_session_opened) that do not need the
// same-transaction atomicity Append provides.
type AsyncWriter struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan queuedEntry
	wg      sync.WaitGroup
}

type queuedEntry struct {
	schema string
	stream Stream
	req    AppendRequest
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
)

// NewAsyncWriter creates an AsyncWriter. Call Start to begin processing.
func NewAsyncWriter(pool *pgxpool.Pool, logger *slog.Logger) *AsyncWriter {
	return &AsyncWriter{
		pool:    pool,
		logger:  logger,
		entries: make(chan queuedEntry, bufferSize),
	}
}

// Start begins the background flush loop and returns immediately. The loop
// exits when ctx is cancelled, after flushing the entries already buffered,
// or when Close is called.
func (w *AsyncWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close drains and flushes all pending entries, then returns.
func (w *AsyncWriter) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an entry for a tenant schema's stream. It never blocks the
// caller; if the buffer is full the entry is dropped and logged.
func (w *AsyncWriter) Log(schema string, stream Stream, req AppendRequest) {
	select {
	case w.entries <- queuedEntry{schema: schema, stream: stream, req: req}:
	default:
		w.logger.Warn("audit async buffer full, dropping entry", "action", req.Action, "stream", stream)
	}
}

func (w *AsyncWriter) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-w.entries:
			if !ok {
				return
			}
			w.flushOne(e)
		case <-ticker.C:
			// Entries are written as they arrive; a tick does no work.
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-w.entries:
					if !ok {
						return
					}
					w.flushOne(e)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) flushOne(e queuedEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		w.logger.Error("acquiring connection for async audit flush", "error", err, "schema", e.schema)
		return
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, e.schema+", public"); err != nil {
		w.logger.Error("setting search_path for async audit flush", "error", err, "schema", e.schema)
		return
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		w.logger.Error("beginning async audit flush transaction", "error", err, "schema", e.schema)
		return
	}
	defer tx.Rollback(ctx)

	if _, err := Append(ctx, tx, e.stream, e.req); err != nil {
		w.logger.Error("writing async audit entry", "error", err, "action", e.req.Action, "stream", e.stream)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("committing async audit entry", "error", err, "action", e.req.Action, "stream", e.stream)
	}
}
