// Package storage keeps the action history and the attached device table in
// a local SQLite database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/animegasan/luci-app-droidnet/internal/action"
	"github.com/animegasan/luci-app-droidnet/internal/device"
)

const (
	actionsTable     = "action_history"
	devicesTable     = "attached_devices"
	updatedAtColumn  = "updated_at"
	defaultListLimit = 50
	maxListLimit     = 500
	timestampLayout  = time.RFC3339
)

// ActionRecord is one settled action as stored in action_history.
type ActionRecord struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Device     string    `json:"device"`
	Package    string    `json:"package,omitempty"`
	Outcome    string    `json:"outcome"`
	Message    string    `json:"message"`
	Diagnostic string    `json:"diagnostic,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	SettledAt  time.Time `json:"settled_at"`
}

// DeviceRecord is one row of attached_devices.
type DeviceRecord struct {
	Serial     string    `json:"device"`
	State      string    `json:"state"`
	Model      string    `json:"model,omitempty"`
	Product    string    `json:"product,omitempty"`
	Configured bool      `json:"configured"`
	Busy       bool      `json:"busy"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Filter narrows ListActions.
type Filter struct {
	Device  string
	Action  string
	Outcome string
	Limit   int
	Offset  int
}

// Store mirrors action results and attached devices into SQLite. It
// implements action.Recorder and device.Recorder.
type Store struct {
	db           *sql.DB
	insertAction *sql.Stmt
	upsertDevice *sql.Stmt
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "storage: create dir %s failed", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.prepare(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
"id" TEXT PRIMARY KEY,
"action" TEXT NOT NULL,
"device" TEXT NOT NULL,
"package" TEXT,
"outcome" TEXT NOT NULL,
"message" TEXT,
"diagnostic" TEXT,
"started_at" TEXT,
"settled_at" TEXT,
%s TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);`, quoteIdent(actionsTable), quoteIdent(updatedAtColumn)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
"serial" TEXT PRIMARY KEY,
"state" TEXT,
"model" TEXT,
"product" TEXT,
"configured" INTEGER NOT NULL DEFAULT 0,
"busy" INTEGER NOT NULL DEFAULT 0,
"last_seen_at" TEXT,
%s TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);`, quoteIdent(devicesTable), quoteIdent(updatedAtColumn)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s("device", "settled_at");`,
			quoteIdent("idx_"+actionsTable+"_device"), quoteIdent(actionsTable)),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "create history schema failed")
		}
	}
	// databases created before package tracking lack the column
	return ensureColumnExists(db, actionsTable, "package", "TEXT")
}

func (s *Store) prepare() error {
	var err error
	s.insertAction, err = s.db.Prepare(fmt.Sprintf(`INSERT INTO %s
("id", "action", "device", "package", "outcome", "message", "diagnostic", "started_at", "settled_at", %s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT("id") DO UPDATE SET "outcome"=excluded."outcome", "message"=excluded."message",
"diagnostic"=excluded."diagnostic", "settled_at"=excluded."settled_at", %s=CURRENT_TIMESTAMP`,
		quoteIdent(actionsTable), quoteIdent(updatedAtColumn), quoteIdent(updatedAtColumn)))
	if err != nil {
		return errors.Wrap(err, "prepare action history insert failed")
	}
	s.upsertDevice, err = s.db.Prepare(fmt.Sprintf(`INSERT INTO %s
("serial", "state", "model", "product", "configured", "busy", "last_seen_at", %s)
VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT("serial") DO UPDATE SET "state"=excluded."state",
"model"=COALESCE(excluded."model", %s."model"), "product"=COALESCE(excluded."product", %s."product"),
"configured"=excluded."configured", "busy"=excluded."busy", "last_seen_at"=excluded."last_seen_at", %s=CURRENT_TIMESTAMP`,
		quoteIdent(devicesTable), quoteIdent(updatedAtColumn), quoteIdent(devicesTable), quoteIdent(devicesTable), quoteIdent(updatedAtColumn)))
	if err != nil {
		return errors.Wrap(err, "prepare attached devices upsert failed")
	}
	return nil
}

// Close releases sqlite resources.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	if s.insertAction != nil {
		s.insertAction.Close()
	}
	if s.upsertDevice != nil {
		s.upsertDevice.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordAction stores a settled action result.
func (s *Store) RecordAction(ctx context.Context, r action.Result) error {
	if s == nil {
		return nil
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("record action: result id is empty")
	}
	_, err := s.insertAction.ExecContext(ctx,
		r.ID,
		string(r.Action),
		r.Device,
		nullableString(r.Package),
		string(r.Outcome),
		nullableString(r.Message),
		nullableString(r.Diagnostic),
		formatTime(r.StartedAt),
		formatTime(r.SettledAt),
	)
	if err != nil {
		return errors.Wrapf(err, "record action %s failed", r.ID)
	}
	return nil
}

// UpsertDevices mirrors the attached device list.
func (s *Store) UpsertDevices(ctx context.Context, devices []device.InfoUpdate) error {
	if s == nil || len(devices) == 0 {
		return nil
	}
	for _, dev := range devices {
		if strings.TrimSpace(dev.Serial) == "" {
			continue
		}
		_, err := s.upsertDevice.ExecContext(ctx,
			dev.Serial,
			nullableString(dev.State),
			nullableString(dev.Model),
			nullableString(dev.Product),
			boolInt(dev.Configured),
			boolInt(dev.Busy),
			formatTime(dev.LastSeenAt),
		)
		if err != nil {
			return errors.Wrapf(err, "upsert device %s failed", dev.Serial)
		}
	}
	return nil
}

// ListActions returns stored actions, newest first.
func (s *Store) ListActions(ctx context.Context, f Filter) ([]ActionRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Device != "" {
		where = append(where, `"device" = ?`)
		args = append(args, f.Device)
	}
	if f.Action != "" {
		where = append(where, `"action" = ?`)
		args = append(args, f.Action)
	}
	if f.Outcome != "" {
		where = append(where, `"outcome" = ?`)
		args = append(args, f.Outcome)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := &strings.Builder{}
	fmt.Fprintf(query, `SELECT "id", "action", "device", "package", "outcome", "message", "diagnostic", "started_at", "settled_at" FROM %s`,
		quoteIdent(actionsTable))
	if len(where) > 0 {
		query.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	query.WriteString(` ORDER BY "settled_at" DESC, "id" DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, offset)
	log.Debug().Str("sql", formatSQL(query.String(), args...)).Msg("list action history")

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query action history failed")
	}
	defer rows.Close()
	var out []ActionRecord
	for rows.Next() {
		var (
			rec                   ActionRecord
			pkg, msg, diag        sql.NullString
			startedRaw, settleRaw sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.Device, &pkg, &rec.Outcome, &msg, &diag, &startedRaw, &settleRaw); err != nil {
			return nil, errors.Wrap(err, "scan action history failed")
		}
		rec.Package = pkg.String
		rec.Message = msg.String
		rec.Diagnostic = diag.String
		rec.StartedAt = parseTime(startedRaw)
		rec.SettledAt = parseTime(settleRaw)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate action history failed")
	}
	return out, nil
}

// ListDevices returns the mirrored device table ordered by serial.
func (s *Store) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT "serial", "state", "model", "product", "configured", "busy", "last_seen_at" FROM %s ORDER BY "serial"`,
		quoteIdent(devicesTable)))
	if err != nil {
		return nil, errors.Wrap(err, "query attached devices failed")
	}
	defer rows.Close()
	var out []DeviceRecord
	for rows.Next() {
		var (
			rec                DeviceRecord
			state, model, prod sql.NullString
			configured, busy   int
			lastSeen           sql.NullString
		)
		if err := rows.Scan(&rec.Serial, &state, &model, &prod, &configured, &busy, &lastSeen); err != nil {
			return nil, errors.Wrap(err, "scan attached devices failed")
		}
		rec.State = state.String
		rec.Model = model.String
		rec.Product = prod.String
		rec.Configured = configured != 0
		rec.Busy = busy != 0
		rec.LastSeenAt = parseTime(lastSeen)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate attached devices failed")
	}
	return out, nil
}

func nullableString(value string) sql.NullString {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: trimmed, Valid: true}
}

func formatTime(ts time.Time) sql.NullString {
	if ts.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(timestampLayout), Valid: true}
}

func parseTime(raw sql.NullString) time.Time {
	if !raw.Valid {
		return time.Time{}
	}
	ts, err := time.Parse(timestampLayout, raw.String)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ensureColumnExists(db *sql.DB, table, column, columnType string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(column), columnType)
	if _, err := db.Exec(stmt); err != nil {
		return errors.Wrapf(err, "add column %s to table %s failed", column, table)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s);", quoteIdent(table)))
	if err != nil {
		return false, errors.Wrapf(err, "query %s schema failed", table)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, errors.Wrapf(err, "scan %s schema failed", table)
		}
		if strings.EqualFold(strings.TrimSpace(name), column) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, errors.Wrapf(err, "iterate %s schema failed", table)
	}
	return false, nil
}

func quoteIdent(name string) string {
	escaped := strings.ReplaceAll(strings.TrimSpace(name), "\"", "\"\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
