package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/sigbridge/internal/model"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrOutOfOrder = errors.New("out of order")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const connectionStateColumns = `account_id, kind, phase, detail, external_resource_id, progress, push_completed, timed_out, pending, suggestions, error_kind, attempt_token, state_version, last_update_source, last_updated_at`

func (s *Store) GetConnectionState(ctx context.Context, accountID string, kind model.Kind) (model.ConnectionState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionStateColumns+` FROM connection_states WHERE account_id = ? AND kind = ?`, accountID, string(kind))
	st, err := scanConnectionState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ConnectionState{}, ErrNotFound
		}
		return model.ConnectionState{}, err
	}
	return st, nil
}

func (s *Store) ListConnectionStates(ctx context.Context) ([]model.ConnectionState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectionStateColumns+` FROM connection_states ORDER BY account_id, kind`)
	if err != nil {
		return nil, fmt.Errorf("list connection states: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]model.ConnectionState, 0)
	for rows.Next() {
		st, err := scanConnectionState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection states: %w", err)
	}
	return out, nil
}

// SaveConnectionState upserts st and appends tr in one transaction. A write
// whose version is not newer than the stored row fails with ErrOutOfOrder.
func (s *Store) SaveConnectionState(ctx context.Context, st model.ConnectionState, tr model.Transition) error {
	if strings.TrimSpace(st.AccountID) == "" {
		return fmt.Errorf("account_id is required")
	}
	if st.LastUpdatedAt.IsZero() {
		st.LastUpdatedAt = time.Now().UTC()
	}
	suggestions, err := marshalSuggestions(st.Suggestions)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save state tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO connection_states(`+connectionStateColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id, kind) DO UPDATE SET
	phase = excluded.phase,
	detail = excluded.detail,
	external_resource_id = excluded.external_resource_id,
	progress = excluded.progress,
	push_completed = excluded.push_completed,
	timed_out = excluded.timed_out,
	pending = excluded.pending,
	suggestions = excluded.suggestions,
	error_kind = excluded.error_kind,
	attempt_token = excluded.attempt_token,
	state_version = excluded.state_version,
	last_update_source = excluded.last_update_source,
	last_updated_at = excluded.last_updated_at
WHERE excluded.state_version > connection_states.state_version
`,
		st.AccountID,
		string(st.Kind),
		string(st.Phase),
		st.Detail,
		st.ExternalResourceID,
		st.Progress,
		boolToInt(st.PushCompleted),
		boolToInt(st.TimedOut),
		st.Pending,
		suggestions,
		string(st.ErrorKind),
		st.AttemptToken,
		st.Version,
		string(st.LastUpdateSource),
		ts(st.LastUpdatedAt),
	)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("upsert connection state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		tx.Rollback() //nolint:errcheck
		return ErrOutOfOrder
	}
	if tr.ToPhase != "" {
		if tr.RecordedAt.IsZero() {
			tr.RecordedAt = st.LastUpdatedAt
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO state_transitions(account_id, kind, attempt_token, from_phase, to_phase, progress, source, detail, state_version, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, tr.AccountID, string(tr.Kind), tr.AttemptToken, string(tr.FromPhase), string(tr.ToPhase), tr.Progress, string(tr.Source), tr.Detail, tr.Version, ts(tr.RecordedAt)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert transition: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save state tx: %w", err)
	}
	return nil
}

// ListTransitions returns the newest limit transitions for (accountID, kind),
// oldest first.
func (s *Store) ListTransitions(ctx context.Context, accountID string, kind model.Kind, limit int) ([]model.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT account_id, kind, attempt_token, from_phase, to_phase, progress, source, detail, state_version, recorded_at
FROM (
	SELECT * FROM state_transitions
	WHERE account_id = ? AND kind = ?
	ORDER BY transition_id DESC
	LIMIT ?
)
ORDER BY transition_id ASC
`, accountID, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]model.Transition, 0)
	for rows.Next() {
		var (
			tr          model.Transition
			kindStr     string
			fromPhase   string
			toPhase     string
			source      string
			recordedStr string
		)
		if err := rows.Scan(&tr.AccountID, &kindStr, &tr.AttemptToken, &fromPhase, &toPhase, &tr.Progress, &source, &tr.Detail, &tr.Version, &recordedStr); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.Kind = model.Kind(kindStr)
		tr.FromPhase = model.Phase(fromPhase)
		tr.ToPhase = model.Phase(toPhase)
		tr.Source = model.UpdateSource(source)
		tr.RecordedAt, err = parseTS(recordedStr)
		if err != nil {
			return nil, fmt.Errorf("parse transition recorded_at: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// PurgeTransitions deletes audit rows recorded before cutoff.
func (s *Store) PurgeTransitions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM state_transitions WHERE recorded_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge transitions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge transitions rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

func scanConnectionState(scanner interface{ Scan(dest ...any) error }) (model.ConnectionState, error) {
	var (
		st             model.ConnectionState
		kindStr        string
		phaseStr       string
		pushCompleted  int
		timedOut       int
		suggestionsRaw string
		errorKind      string
		sourceStr      string
		updatedAtStr   string
	)
	if err := scanner.Scan(
		&st.AccountID,
		&kindStr,
		&phaseStr,
		&st.Detail,
		&st.ExternalResourceID,
		&st.Progress,
		&pushCompleted,
		&timedOut,
		&st.Pending,
		&suggestionsRaw,
		&errorKind,
		&st.AttemptToken,
		&st.Version,
		&sourceStr,
		&updatedAtStr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ConnectionState{}, err
		}
		return model.ConnectionState{}, fmt.Errorf("scan connection state: %w", err)
	}
	st.Kind = model.Kind(kindStr)
	st.Phase = model.Phase(phaseStr)
	st.PushCompleted = pushCompleted != 0
	st.TimedOut = timedOut != 0
	st.ErrorKind = model.ErrorKind(errorKind)
	st.LastUpdateSource = model.UpdateSource(sourceStr)
	suggestions, err := unmarshalSuggestions(suggestionsRaw)
	if err != nil {
		return model.ConnectionState{}, err
	}
	st.Suggestions = suggestions
	st.LastUpdatedAt, err = parseTS(updatedAtStr)
	if err != nil {
		return model.ConnectionState{}, fmt.Errorf("parse connection state last_updated_at: %w", err)
	}
	return st, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Suggestions keep their ranking order, so unlike a set they are not sorted.
func marshalSuggestions(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	buf, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal suggestions: %w", err)
	}
	return string(buf), nil
}

func unmarshalSuggestions(raw string) ([]string, error) {
	text := strings.TrimSpace(raw)
	if text == "" || text == "[]" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(text), &values); err != nil {
		return nil, fmt.Errorf("unmarshal suggestions: %w", err)
	}
	return values, nil
}
