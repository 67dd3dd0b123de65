// Package store persists forms, their integrations and field mappings.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // sqlite driver (pure Go)

	"github.com/shortontech/formrelay/internal/integration"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db     *sql.DB
	driver string
	log    logrus.FieldLogger
}

// Open connects with the given driver. For sqlite, dsn is a file path.
func Open(ctx context.Context, driver, dsn string, log logrus.FieldLogger) (*Store, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	return New(db, driver, log), nil
}

// New wraps an open database.
func New(db *sql.DB, driver string, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{db: db, driver: driver, log: log}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

var placeholder = regexp.MustCompile(`\$\d+`)

// rebind rewrites $N placeholders for drivers that only take "?".
func (s *Store) rebind(q string) string {
	if s.driver != DriverSQLite {
		return q
	}
	return placeholder.ReplaceAllString(q, "?")
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS forms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		company_name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS form_integrations (
		id TEXT PRIMARY KEY,
		form_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		webhook_url TEXT,
		pixel_id TEXT,
		access_token TEXT,
		event_type TEXT,
		custom_event_name TEXT,
		test_event_code TEXT,
		tag_id TEXT,
		conversion_label TEXT,
		event_name TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_form_integrations_form ON form_integrations (form_id)`,
	`CREATE TABLE IF NOT EXISTS form_field_mappings (
		form_id TEXT NOT NULL,
		field_id TEXT NOT NULL,
		field_name TEXT NOT NULL,
		PRIMARY KEY (form_id, field_id)
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const integrationColumns = `id, form_id, integration_type, is_active, webhook_url, pixel_id, access_token,
	event_type, custom_event_name, test_event_code, tag_id, conversion_label, event_name`

// ActiveIntegrations returns the form's active integrations. Rows of an
// unknown type are logged and skipped.
func (s *Store) ActiveIntegrations(ctx context.Context, formID string) ([]integration.Config, error) {
	return s.integrations(ctx,
		`SELECT `+integrationColumns+` FROM form_integrations WHERE form_id = $1 AND is_active = $2 ORDER BY id`,
		formID, true)
}

// ListIntegrations returns every integration of the form, active or not.
func (s *Store) ListIntegrations(ctx context.Context, formID string) ([]integration.Config, error) {
	return s.integrations(ctx,
		`SELECT `+integrationColumns+` FROM form_integrations WHERE form_id = $1 ORDER BY id`,
		formID)
}

func (s *Store) integrations(ctx context.Context, q string, args ...any) ([]integration.Config, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query integrations: %w", err)
	}
	defer rows.Close()

	var out []integration.Config
	for rows.Next() {
		var r integration.Row
		if err := rows.Scan(&r.ID, &r.FormID, &r.Type, &r.IsActive, &r.WebhookURL, &r.PixelID, &r.AccessToken,
			&r.EventType, &r.CustomEventName, &r.TestEventCode, &r.TagID, &r.ConversionLabel, &r.EventName); err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		c, err := integration.Decode(r)
		if err != nil {
			s.log.WithError(err).WithField("integration_id", r.ID).Warn("skipping integration")
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateIntegration validates and stores c, assigning an id when it has none.
func (s *Store) CreateIntegration(ctx context.Context, c integration.Config) (integration.Config, error) {
	if err := integration.Validate(c); err != nil {
		return nil, err
	}
	r, err := integration.Encode(c)
	if err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO form_integrations (`+integrationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`),
		r.ID, r.FormID, r.Type, r.IsActive, r.WebhookURL, r.PixelID, r.AccessToken,
		r.EventType, r.CustomEventName, r.TestEventCode, r.TagID, r.ConversionLabel, r.EventName)
	if err != nil {
		return nil, fmt.Errorf("insert integration: %w", err)
	}
	return integration.Decode(r)
}

func (s *Store) DeleteIntegration(ctx context.Context, formID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM form_integrations WHERE form_id = $1 AND id = $2`), formID, id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// FieldMappings maps raw field ids to their integration-facing names.
func (s *Store) FieldMappings(ctx context.Context, formID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT field_id, field_name FROM form_field_mappings WHERE form_id = $1`), formID)
	if err != nil {
		return nil, fmt.Errorf("query field mappings: %w", err)
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan field mapping: %w", err)
		}
		m[id] = name
	}
	return m, rows.Err()
}

// SetFieldMappings replaces the form's mappings atomically.
func (s *Store) SetFieldMappings(ctx context.Context, formID string, m map[string]string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM form_field_mappings WHERE form_id = $1`), formID); err != nil {
		return fmt.Errorf("clear field mappings: %w", err)
	}
	for id, name := range m {
		if _, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO form_field_mappings (form_id, field_id, field_name) VALUES ($1, $2, $3)`),
			formID, id, name); err != nil {
			return fmt.Errorf("insert field mapping: %w", err)
		}
	}
	return tx.Commit()
}

// FormMetadata returns ErrNotFound for unknown forms.
func (s *Store) FormMetadata(ctx context.Context, formID string) (integration.Form, error) {
	f := integration.Form{ID: formID}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT name, company_name FROM forms WHERE id = $1`), formID).
		Scan(&f.Name, &f.CompanyName)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	if err != nil {
		return f, fmt.Errorf("query form: %w", err)
	}
	return f, nil
}

// SaveForm inserts or updates a form's metadata.
func (s *Store) SaveForm(ctx context.Context, f integration.Form) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO forms (id, name, company_name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, company_name = excluded.company_name`),
		f.ID, f.Name, f.CompanyName)
	if err != nil {
		return fmt.Errorf("save form: %w", err)
	}
	return nil
}
