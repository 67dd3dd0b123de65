package sink

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/shortontech/formrelay/internal/logging"
)

func TestValidateTableName(t *testing.T) {
	tests := []struct {
		name      string
		tableName string
		wantError bool
	}{
		{name: "valid simple name", tableName: "deliveries", wantError: false},
		{name: "valid with underscores", tableName: "formrelay_deliveries", wantError: false},
		{name: "valid with numbers", tableName: "deliveries_2024", wantError: false},
		{name: "valid starting with underscore", tableName: "_private", wantError: false},
		{name: "empty string", tableName: "", wantError: true},
		{name: "SQL injection attempt with semicolon", tableName: "d; DROP TABLE users;--", wantError: true},
		{name: "SQL injection with quotes", tableName: "d' OR '1'='1", wantError: true},
		{name: "contains spaces", tableName: "my deliveries", wantError: true},
		{name: "contains dash", tableName: "deliveries-table", wantError: true},
		{name: "starts with number", tableName: "2024_deliveries", wantError: true},
		{name: "too long (>63 chars)", tableName: strings.Repeat("a", 64), wantError: true},
		{name: "exactly 63 chars (valid)", tableName: strings.Repeat("a", 63), wantError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTableName(tt.tableName)
			if (err != nil) != tt.wantError {
				t.Errorf("validateTableName(%q) error = %v, wantError = %v", tt.tableName, err, tt.wantError)
			}
		})
	}
}

func TestNewPGSinkFromEnv(t *testing.T) {
	t.Run("uses defaults when env not set", func(t *testing.T) {
		setEnv(t, map[string]string{"PG_DSN": "", "PG_TABLE": "", "PG_BATCH_SIZE": "", "PG_FLUSH_MS": "", "PG_COPY": ""})

		s := NewPGSinkFromEnv(nil, logging.Discard())

		if s.config.Table != "formrelay_deliveries" {
			t.Errorf("Table = %q, want formrelay_deliveries", s.config.Table)
		}
		if s.config.BatchSize != 500 || s.config.FlushMS != 1000 || s.config.UseCopy {
			t.Errorf("config = %+v", s.config)
		}
	})

	t.Run("reads custom values", func(t *testing.T) {
		setEnv(t, map[string]string{
			"PG_DSN": "postgres://x", "PG_TABLE": "leads", "PG_BATCH_SIZE": "10", "PG_FLUSH_MS": "250", "PG_COPY": "true",
		})

		s := NewPGSinkFromEnv(nil, logging.Discard())

		want := PGConfig{DSN: "postgres://x", Table: "leads", BatchSize: 10, FlushMS: 250, UseCopy: true}
		if s.config != want {
			t.Errorf("config = %+v, want %+v", s.config, want)
		}
	})

	t.Run("ignores invalid numbers", func(t *testing.T) {
		setEnv(t, map[string]string{"PG_BATCH_SIZE": "lots", "PG_FLUSH_MS": "-5"})

		s := NewPGSinkFromEnv(nil, logging.Discard())
		if s.config.BatchSize != 500 || s.config.FlushMS != 1000 {
			t.Errorf("config = %+v", s.config)
		}
	})
}

func TestPGSinkStartValidation(t *testing.T) {
	t.Run("rejects bad table", func(t *testing.T) {
		s := NewPGSink("postgres://localhost/db")
		s.config.Table = "bad-name"
		if err := s.Start(context.Background()); err == nil {
			t.Error("Start() should reject an invalid table name")
		}
	})

	t.Run("fails on unreachable database", func(t *testing.T) {
		s := NewPGSink("invalid://dsn")
		if err := s.Start(context.Background()); err == nil {
			s.Close()
			t.Error("Start() should fail for invalid DSN")
		}
	})
}

func newMockedPGSink(t *testing.T, cfg PGConfig) (*PGSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := &PGSink{config: cfg, db: db, log: logging.Discard()}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(s.cancel)
	return s, mock
}

func TestPGSinkEnsureSchema(t *testing.T) {
	t.Run("creates table and indexes", func(t *testing.T) {
		s, mock := newMockedPGSink(t, PGConfig{Table: "test_deliveries"})

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_deliveries").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_test_deliveries_ts").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_test_deliveries_gin").WillReturnResult(sqlmock.NewResult(0, 0))

		if err := s.ensureSchema(); err != nil {
			t.Errorf("ensureSchema failed: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("table error", func(t *testing.T) {
		s, mock := newMockedPGSink(t, PGConfig{Table: "test_deliveries"})
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_deliveries").WillReturnError(fmt.Errorf("permission denied"))

		err := s.ensureSchema()
		if err == nil || !strings.Contains(err.Error(), "failed to create table") {
			t.Errorf("ensureSchema() = %v", err)
		}
	})

	t.Run("index error", func(t *testing.T) {
		s, mock := newMockedPGSink(t, PGConfig{Table: "test_deliveries"})
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_deliveries").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_test_deliveries_ts").WillReturnError(fmt.Errorf("index error"))

		err := s.ensureSchema()
		if err == nil || !strings.Contains(err.Error(), "failed to create index") {
			t.Errorf("ensureSchema() = %v", err)
		}
	})
}

func TestPGSinkFlushWithInsert(t *testing.T) {
	t.Run("inserts the batch in one statement", func(t *testing.T) {
		s, mock := newMockedPGSink(t, PGConfig{Table: "deliveries", BatchSize: 10})
		s.batch = []Delivery{sampleDelivery("d1"), sampleDelivery("d2")}

		mock.ExpectExec(`INSERT INTO deliveries \(delivery_id, ts, session_id, form_id, kind, status, payload\) VALUES \(\$1, .*\$7\), \(\$8, .*\$14\) ON CONFLICT \(delivery_id\) DO NOTHING`).
			WithArgs("d1", sqlmock.AnyArg(), sqlmock.AnyArg(), "F1", "webhook", "delivered", sqlmock.AnyArg(),
				"d2", sqlmock.AnyArg(), sqlmock.AnyArg(), "F1", "webhook", "delivered", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 2))

		if err := s.flushBatch(); err != nil {
			t.Errorf("flushBatch failed: %v", err)
		}
		if len(s.batch) != 0 {
			t.Errorf("batch should be empty after flush, has %d", len(s.batch))
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("error keeps the batch", func(t *testing.T) {
		s, mock := newMockedPGSink(t, PGConfig{Table: "deliveries", BatchSize: 10})
		s.batch = []Delivery{sampleDelivery("d1")}

		mock.ExpectExec("INSERT INTO deliveries").WillReturnError(fmt.Errorf("connection lost"))

		if err := s.flushBatch(); err == nil {
			t.Error("flushBatch should fail")
		}
		if len(s.batch) != 1 {
			t.Errorf("batch len = %d, want 1", len(s.batch))
		}
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		s, mock := newMockedPGSink(t, PGConfig{Table: "deliveries"})

		if err := s.flushBatch(); err != nil {
			t.Errorf("flushBatch() = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unexpected statements: %v", err)
		}
	})
}

func TestPGSinkFlushWithCopyBeginError(t *testing.T) {
	s, mock := newMockedPGSink(t, PGConfig{Table: "deliveries", UseCopy: true})
	s.batch = []Delivery{sampleDelivery("d1")}

	mock.ExpectBegin().WillReturnError(fmt.Errorf("begin failed"))

	err := s.flushBatch()
	if err == nil || !strings.Contains(err.Error(), "failed to begin transaction") {
		t.Errorf("flushBatch() = %v", err)
	}
	if len(s.batch) != 1 {
		t.Error("batch should be kept after a failed copy")
	}
}

func TestPGSinkEnqueueTriggersFlush(t *testing.T) {
	s, mock := newMockedPGSink(t, PGConfig{Table: "deliveries", BatchSize: 2, FlushMS: 1000})
	s.batch = []Delivery{sampleDelivery("existing")}

	mock.ExpectExec("INSERT INTO deliveries").WillReturnResult(sqlmock.NewResult(0, 2))

	if err := s.Enqueue(sampleDelivery("new")); err != nil {
		t.Errorf("Enqueue failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPGSinkFlushRoutine(t *testing.T) {
	s, mock := newMockedPGSink(t, PGConfig{Table: "deliveries", FlushMS: 20, BatchSize: 100})
	s.batch = []Delivery{sampleDelivery("d1")}
	s.done = make(chan struct{})

	mock.ExpectExec("INSERT INTO deliveries").WillReturnResult(sqlmock.NewResult(0, 1))

	go s.flushRoutine()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("flushRoutine did not exit on context cancellation")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("periodic flush did not run: %v", err)
	}
}

func TestPGSinkCloseFlushesRemaining(t *testing.T) {
	s, mock := newMockedPGSink(t, PGConfig{Table: "deliveries", BatchSize: 100})
	s.batch = []Delivery{sampleDelivery("d1")}

	mock.ExpectExec("INSERT INTO deliveries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	if err := s.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPGSinkEnqueueBeforeStart(t *testing.T) {
	s := NewPGSink("")
	s.config.BatchSize = 1

	if err := s.Enqueue(sampleDelivery("d1")); err == nil {
		t.Error("Enqueue() that fills the batch before Start() should fail")
	}
}
