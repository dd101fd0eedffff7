package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/armatrix/subctl"
)

// SQLite is a run registry persisted in a SQLite database. Registration
// order is kept in an autoincrement column.
type SQLite struct {
	db   *sql.DB
	opts options
}

var _ subctl.RunRecorder = (*SQLite)(nil)

const runColumns = `run_id, child_session_key, requester_session_key, label, task,
	model, model_provider, created_at, started_at, ended_at, outcome_status,
	outcome_error, cleanup, archive_at_ms, cleanup_handled, steer_restart`

// OpenSQLite opens (and migrates) the registry database at dsn.
func OpenSQLite(dsn string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	// Every connection to an in-memory database is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &SQLite{db: db, opts: resolveOptions(opts)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate registry database: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			child_session_key TEXT NOT NULL,
			requester_session_key TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			task TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			model_provider TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL DEFAULT 0,
			ended_at INTEGER NOT NULL DEFAULT 0,
			outcome_status TEXT NOT NULL DEFAULT '',
			outcome_error TEXT NOT NULL DEFAULT '',
			cleanup TEXT NOT NULL DEFAULT '',
			archive_at_ms INTEGER NOT NULL DEFAULT 0,
			cleanup_handled INTEGER NOT NULL DEFAULT 0,
			steer_restart INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_requester ON runs(requester_session_key, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_child ON runs(child_session_key, ended_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Register adds rec. At most one active run may exist per child session.
func (s *SQLite) Register(ctx context.Context, rec subctl.RunRecord) error {
	if rec.RunID == "" {
		return ErrMissingRunID
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, rec.RunID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateRun, rec.RunID)
		}
		if rec.Active() && rec.ChildSessionKey != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM runs WHERE child_session_key = ? AND ended_at = 0`,
				rec.ChildSessionKey).Scan(&n)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: %s", ErrChildActive, rec.ChildSessionKey)
			}
		}
		return insertRun(ctx, tx, rec)
	})
}

// Get returns the run with runID.
func (s *SQLite) Get(ctx context.Context, runID string) (subctl.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return subctl.RunRecord{}, fmt.Errorf("%w: %s", subctl.ErrRunNotFound, runID)
	}
	return rec, err
}

// ListRunsForRequester returns the requester's runs in registration order.
func (s *SQLite) ListRunsForRequester(ctx context.Context, requesterKey string) ([]subctl.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE requester_session_key = ? ORDER BY seq`, requesterKey)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []subctl.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkForSteerRestart flags an active run so its completion is silent.
func (s *SQLite) MarkForSteerRestart(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET steer_restart = 1 WHERE run_id = ? AND ended_at = 0`, runID)
	if err != nil {
		return false, fmt.Errorf("mark steer restart: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReplaceAfterSteer ends the previous run as steered and registers its
// successor under nextRunID, in one transaction.
func (s *SQLite) ReplaceAfterSteer(ctx context.Context, previousRunID, nextRunID string, fallback *subctl.RunRecord) (bool, error) {
	if nextRunID == "" {
		return false, ErrMissingRunID
	}
	if nextRunID == previousRunID {
		return false, nil
	}
	now := s.opts.now().UnixMilli()
	replaced := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, nextRunID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		base, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, previousRunID))
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `UPDATE runs SET
				ended_at = CASE WHEN ended_at = 0 THEN ? ELSE ended_at END,
				outcome_status = ?, outcome_error = '', steer_restart = 1
				WHERE run_id = ?`, now, string(subctl.OutcomeSteered), previousRunID)
			if err != nil {
				return err
			}
		case errors.Is(err, sql.ErrNoRows) && fallback != nil:
			base = fallback.Clone()
		case errors.Is(err, sql.ErrNoRows):
			return nil
		default:
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE runs SET ended_at = ?, outcome_status = ?
			WHERE child_session_key = ? AND ended_at = 0`,
			now, string(subctl.OutcomeSteered), base.ChildSessionKey)
		if err != nil {
			return err
		}
		if err := insertRun(ctx, tx, successor(base, nextRunID, now)); err != nil {
			return err
		}
		replaced = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("replace after steer: %w", err)
	}
	if replaced {
		s.opts.logger.Debug("run replaced after steer",
			zap.String("previous_run_id", previousRunID),
			zap.String("next_run_id", nextRunID))
	}
	return replaced, nil
}

// StopAll ends every active run of requesterKey as killed.
func (s *SQLite) StopAll(ctx context.Context, requesterKey string) (int, error) {
	now := s.opts.now().UnixMilli()
	var stopped []subctl.RunRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
			WHERE requester_session_key = ? AND ended_at = 0 ORDER BY seq`, requesterKey)
		if err != nil {
			return err
		}
		for rows.Next() {
			rec, err := scanRun(rows)
			if err != nil {
				rows.Close()
				return err
			}
			rec.EndedAt = now
			rec.Outcome = &subctl.Outcome{Status: subctl.OutcomeKilled}
			stopped = append(stopped, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE runs SET ended_at = ?, outcome_status = ?
			WHERE requester_session_key = ? AND ended_at = 0`,
			now, string(subctl.OutcomeKilled), requesterKey)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("stop runs: %w", err)
	}
	s.opts.stopped(ctx, stopped)
	return len(stopped), nil
}

// Complete ends runID with outcome. It reports announce=false when the run
// had already ended or is flagged for a steer restart.
func (s *SQLite) Complete(ctx context.Context, runID string, endedAt int64, outcome subctl.Outcome) (bool, error) {
	announce := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var ended int64
		var steer bool
		err := tx.QueryRowContext(ctx, `SELECT ended_at, steer_restart FROM runs WHERE run_id = ?`, runID).
			Scan(&ended, &steer)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", subctl.ErrRunNotFound, runID)
		}
		if err != nil {
			return err
		}
		if ended != 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE runs SET ended_at = ?, outcome_status = ?, outcome_error = ?
			WHERE run_id = ?`, endedAt, string(outcome.Status), outcome.Error, runID)
		if err != nil {
			return err
		}
		announce = !steer
		return nil
	})
	if err != nil {
		return false, err
	}
	return announce, nil
}

// Archive removes ended runs whose archive time has passed.
func (s *SQLite) Archive(ctx context.Context, now int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE ended_at != 0 AND archive_at_ms > 0 AND archive_at_ms <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("archive runs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertRun(ctx context.Context, tx *sql.Tx, r subctl.RunRecord) error {
	var status, errText string
	if r.Outcome != nil {
		status, errText = string(r.Outcome.Status), r.Outcome.Error
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.ChildSessionKey, r.RequesterSessionKey, r.Label, r.Task,
		r.Model, r.ModelProvider, r.CreatedAt, r.StartedAt, r.EndedAt, status,
		errText, string(r.Cleanup), r.ArchiveAtMs, r.CleanupHandled, r.SteerRestart)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (subctl.RunRecord, error) {
	var (
		r       subctl.RunRecord
		status  string
		errText string
		cleanup string
	)
	err := sc.Scan(&r.RunID, &r.ChildSessionKey, &r.RequesterSessionKey, &r.Label, &r.Task,
		&r.Model, &r.ModelProvider, &r.CreatedAt, &r.StartedAt, &r.EndedAt, &status,
		&errText, &cleanup, &r.ArchiveAtMs, &r.CleanupHandled, &r.SteerRestart)
	if err != nil {
		return subctl.RunRecord{}, err
	}
	r.Cleanup = subctl.CleanupPolicy(cleanup)
	if status != "" {
		r.Outcome = &subctl.Outcome{Status: subctl.OutcomeStatus(status), Error: errText}
	}
	return r, nil
}
