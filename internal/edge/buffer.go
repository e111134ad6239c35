package edge

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/ryne2010/edgewatch-telemetry-sub000/internal/metrics"
)

// Buffer is the durable local telemetry queue: one SQLite file holding
// points that could not be delivered yet. Inserts are idempotent on
// message_id and eviction is oldest-first.
type Buffer struct {
	db       *sql.DB
	path     string
	maxBytes int64
}

// BufferedPoint is one queued payload.
type BufferedPoint struct {
	MessageID string
	Payload   []byte
	CreatedAt time.Time
}

const bufferSchema = `
	CREATE TABLE IF NOT EXISTS queue (
		message_id TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_created ON queue (created_at);
`

// OpenBuffer opens (or creates) the buffer file. A corrupt file is moved
// aside and recreated; buffered data is lost but the device keeps running.
func OpenBuffer(path string, maxBytes int64) (*Buffer, error) {
	b, err := openBufferFile(path, maxBytes)
	if err == nil {
		return b, nil
	}

	corrupt := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	log.Error().Err(err).Str("path", path).Str("renamed", corrupt).Msg("Buffer unusable, recreating")
	if renameErr := os.Rename(path, corrupt); renameErr != nil && !os.IsNotExist(renameErr) {
		return nil, fmt.Errorf("move corrupt buffer aside: %w", renameErr)
	}
	return openBufferFile(path, maxBytes)
}

func openBufferFile(path string, maxBytes int64) (*Buffer, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open buffer: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(bufferSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buffer schema: %w", err)
	}
	// Touching the table surfaces corruption at open instead of first use.
	if _, err := db.Exec("SELECT COUNT(*) FROM queue"); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify buffer: %w", err)
	}

	b := &Buffer{db: db, path: path, maxBytes: maxBytes}
	b.publishGauges()
	return b, nil
}

// Enqueue inserts a point. Duplicates are a successful no-op. On disk-full
// the oldest row is evicted and the insert retried once; if that still
// fails the point is dropped and false is returned.
func (b *Buffer) Enqueue(messageID string, payload []byte, createdAt time.Time) bool {
	if err := b.insert(messageID, payload, createdAt); err != nil {
		if !isDiskFull(err) {
			log.Error().Err(err).Str("messageID", messageID).Msg("Buffer insert failed")
			return false
		}
		if evicted, _ := b.evictOldest(1); evicted == 0 {
			log.Warn().Str("messageID", messageID).Msg("Disk full and buffer empty, dropping point")
			return false
		}
		metrics.BufferEvictionsTotal.Inc()
		if err := b.insert(messageID, payload, createdAt); err != nil {
			log.Warn().Err(err).Str("messageID", messageID).Msg("Insert failed after eviction, dropping point")
			return false
		}
	}

	b.enforceQuota()
	b.publishGauges()
	return true
}

func (b *Buffer) insert(messageID string, payload []byte, createdAt time.Time) error {
	_, err := b.db.Exec(
		`INSERT OR IGNORE INTO queue (message_id, payload, created_at) VALUES (?, ?, ?)`,
		messageID, payload, createdAt.UTC().UnixNano())
	return err
}

// enforceQuota evicts oldest rows until the payload bytes fit the quota.
func (b *Buffer) enforceQuota() {
	if b.maxBytes <= 0 {
		return
	}
	for {
		bytes, err := b.Bytes()
		if err != nil || bytes <= b.maxBytes {
			return
		}
		n, err := b.evictOldest(16)
		if err != nil || n == 0 {
			return
		}
		metrics.BufferEvictionsTotal.Add(float64(n))
	}
}

func (b *Buffer) evictOldest(n int) (int64, error) {
	res, err := b.db.Exec(`
		DELETE FROM queue WHERE message_id IN (
			SELECT message_id FROM queue ORDER BY created_at, message_id LIMIT ?
		)`, n)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Oldest returns up to n points in FIFO order without removing them.
func (b *Buffer) Oldest(n int) ([]BufferedPoint, error) {
	rows, err := b.db.Query(
		`SELECT message_id, payload, created_at FROM queue ORDER BY created_at, message_id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("read buffer: %w", err)
	}
	defer rows.Close()

	var out []BufferedPoint
	for rows.Next() {
		var p BufferedPoint
		var created int64
		if err := rows.Scan(&p.MessageID, &p.Payload, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes delivered (or server-dropped) rows.
func (b *Buffer) Delete(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	stmt, err := b.db.Prepare(`DELETE FROM queue WHERE message_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, id := range messageIDs {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	b.publishGauges()
	return nil
}

// Prune drops rows beyond maxMessages (oldest first) and older than maxAge.
func (b *Buffer) Prune(maxMessages int, maxAge time.Duration) error {
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UTC().UnixNano()
		if _, err := b.db.Exec(`DELETE FROM queue WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("prune by age: %w", err)
		}
	}
	if maxMessages > 0 {
		if _, err := b.db.Exec(`
			DELETE FROM queue WHERE message_id NOT IN (
				SELECT message_id FROM queue ORDER BY created_at DESC, message_id LIMIT ?
			)`, maxMessages); err != nil {
			return fmt.Errorf("prune by count: %w", err)
		}
	}
	b.publishGauges()
	return nil
}

// Depth returns the number of queued points.
func (b *Buffer) Depth() (int, error) {
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&n)
	return n, err
}

// Bytes returns the queued payload size.
func (b *Buffer) Bytes() (int64, error) {
	var n sql.NullInt64
	err := b.db.QueryRow(`SELECT SUM(LENGTH(payload)) FROM queue`).Scan(&n)
	return n.Int64, err
}

// Close closes the underlying database.
func (b *Buffer) Close() error {
	return b.db.Close()
}

func (b *Buffer) publishGauges() {
	if depth, err := b.Depth(); err == nil {
		metrics.BufferDepth.Set(float64(depth))
	}
	if bytes, err := b.Bytes(); err == nil {
		metrics.BufferBytes.Set(float64(bytes))
	}
}

func isDiskFull(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk is full") || strings.Contains(msg, "no space left")
}
