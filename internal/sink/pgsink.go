package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/metrics"
)

// PGConfig holds configuration for the Postgres sink
type PGConfig struct {
	DSN       string
	Table     string
	BatchSize int
	FlushMS   int
	UseCopy   bool
}

// PGSink batches deliveries into a JSONB table, flushing when the batch is
// full or every FlushMS.
type PGSink struct {
	config  PGConfig
	db      *sql.DB
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	mu    sync.Mutex
	batch []Delivery

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// validateTableName guards the identifiers interpolated into DDL and DML.
func validateTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

// NewPGSinkFromEnv creates a PGSink from PG_* environment variables
func NewPGSinkFromEnv(m *metrics.Metrics, log logrus.FieldLogger) *PGSink {
	s := NewPGSink(os.Getenv("PG_DSN"))
	s.config.Table = getEnvOr("PG_TABLE", s.config.Table)
	s.config.BatchSize = getIntEnv("PG_BATCH_SIZE", s.config.BatchSize)
	s.config.FlushMS = getIntEnv("PG_FLUSH_MS", s.config.FlushMS)
	s.config.UseCopy = getBoolEnv("PG_COPY", false)
	s.metrics = m
	if log != nil {
		s.log = log
	}
	return s
}

func NewPGSink(dsn string) *PGSink {
	return &PGSink{
		config: PGConfig{
			DSN:       dsn,
			Table:     "formrelay_deliveries",
			BatchSize: 500,
			FlushMS:   1000,
		},
		log: logrus.StandardLogger(),
	}
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) Start(ctx context.Context) error {
	if s.config.DSN == "" {
		return fmt.Errorf("pg sink: PG_DSN is required")
	}
	if err := validateTableName(s.config.Table); err != nil {
		return err
	}
	if s.config.BatchSize <= 0 || s.config.FlushMS <= 0 {
		return fmt.Errorf("pg sink: batch size and flush interval must be positive")
	}

	db, err := sql.Open("postgres", s.config.DSN)
	if err != nil {
		return fmt.Errorf("pg sink: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("pg sink: ping: %w", err)
	}
	s.db = db

	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.ensureSchema(); err != nil {
		s.cancel()
		db.Close()
		return err
	}

	s.done = make(chan struct{})
	go s.flushRoutine()
	return nil
}

func (s *PGSink) ensureSchema() error {
	t := s.config.Table
	if _, err := s.db.ExecContext(s.ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		delivery_id TEXT PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		session_id TEXT NOT NULL,
		form_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		payload JSONB NOT NULL
	)`, t)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", t, err)
	}
	if _, err := s.db.ExecContext(s.ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts)`, t, t)); err != nil {
		return fmt.Errorf("failed to create index on %s: %w", t, err)
	}
	if _, err := s.db.ExecContext(s.ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_gin ON %s USING GIN (payload)`, t, t)); err != nil {
		return fmt.Errorf("failed to create index on %s: %w", t, err)
	}
	return nil
}

func (s *PGSink) Enqueue(d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batch = append(s.batch, d)
	s.metrics.SetQueueDepth(s.Name(), float64(len(s.batch)))
	if len(s.batch) >= s.config.BatchSize {
		return s.flushLocked()
	}
	return nil
}

func (s *PGSink) flushRoutine() {
	defer close(s.done)
	ticker := time.NewTicker(time.Duration(s.config.FlushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.flushBatch(); err != nil {
				s.log.WithError(err).Warn("pg sink: periodic flush failed")
			}
		}
	}
}

func (s *PGSink) flushBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked writes the batch; on error the batch is kept for the next try.
func (s *PGSink) flushLocked() error {
	if len(s.batch) == 0 {
		return nil
	}
	if s.db == nil {
		return errNotStarted
	}
	start := time.Now()

	var err error
	if s.config.UseCopy {
		err = s.flushWithCopy()
	} else {
		err = s.flushWithInsert()
	}
	if err != nil {
		s.metrics.IncrementSinkErrors(s.Name(), "flush")
		return err
	}

	s.metrics.ObserveBatchFlushLatency(s.Name(), time.Since(start))
	s.batch = s.batch[:0]
	s.metrics.SetQueueDepth(s.Name(), 0)
	return nil
}

var pgColumns = []string{"delivery_id", "ts", "session_id", "form_id", "kind", "status", "payload"}

func rowValues(d Delivery) ([]any, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return []any{d.DeliveryID, d.TS, d.SessionID, d.FormID, d.Kind, d.Status, string(payload)}, nil
}

func (s *PGSink) flushWithInsert() error {
	if len(s.batch) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args = make([]any, 0, len(s.batch)*len(pgColumns))
	)
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", s.config.Table, strings.Join(pgColumns, ", "))
	for i, d := range s.batch {
		vals, err := rowValues(d)
		if err != nil {
			return fmt.Errorf("failed to serialize delivery: %w", err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range vals {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j+1)
		}
		sb.WriteByte(')')
		args = append(args, vals...)
	}
	sb.WriteString(" ON CONFLICT (delivery_id) DO NOTHING")

	if _, err := s.db.ExecContext(s.ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (s *PGSink) flushWithCopy() error {
	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(pq.CopyIn(s.config.Table, pgColumns...))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	for _, d := range s.batch {
		vals, err := rowValues(d)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("failed to serialize delivery: %w", err)
		}
		if _, err := stmt.Exec(vals...); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy row: %w", err)
		}
	}
	if _, err := stmt.Exec(); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to finish copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGSink) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	if s.db == nil {
		return nil
	}

	// the run context is gone; give the final flush its own
	s.mu.Lock()
	s.ctx = context.Background()
	err := s.flushLocked()
	s.mu.Unlock()

	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}
