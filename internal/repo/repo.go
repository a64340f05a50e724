package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"gateline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- sessions ---

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	var endedAt, mode, summary sql.NullString
	var flagged int
	err := r.DB.QueryRowContext(ctx, `SELECT id,started_at,ended_at,initiator,mode,status,flagged,summary FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.StartedAt, &endedAt, &s.Initiator, &mode, &s.Status, &flagged, &summary)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.String
	}
	s.Mode = mode.String
	s.Summary = summary.String
	s.Flagged = flagged != 0
	return s, nil
}

// EnsureSessionTx inserts an open session if the id is unknown, inside the
// caller's transaction so the session row and its audit trail commit together.
// It reports whether a row was created.
func (r Repo) EnsureSessionTx(ctx context.Context, tx *sql.Tx, id, initiator, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sessions(id,started_at,initiator) VALUES (?,?,?)`,
		id, now, initiator)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) CloseSession(ctx context.Context, tx *sql.Tx, id, endedAt, summary string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status='closed', ended_at=?, summary=? WHERE id=? AND status='open'`,
		endedAt, nullable(summary), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FlagSession marks a session for operator review; used on governance denials.
func (r Repo) FlagSession(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET flagged=1 WHERE id=?`, id)
	return err
}

func (r Repo) ListSessions(ctx context.Context, status string, limit int) ([]domain.Session, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT id,started_at,ended_at,initiator,mode,status,flagged,summary FROM sessions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		var s domain.Session
		var endedAt, mode, summary sql.NullString
		var flagged int
		if err := rows.Scan(&s.ID, &s.StartedAt, &endedAt, &s.Initiator, &mode, &s.Status, &flagged, &summary); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			s.EndedAt = &endedAt.String
		}
		s.Mode = mode.String
		s.Summary = summary.String
		s.Flagged = flagged != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- messages ---

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,session_id,ts,role,agent,content,content_hash,meta_json) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.SessionID, m.TS, m.Role, nullable(m.Agent), m.Content, m.ContentHash, nullable(m.MetaJSON))
	return err
}

// --- decisions ---

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id,session_id,ts,type,subject,options_json,selected,rationale,approver) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, nullableStringPtr(d.SessionID), d.TS, d.Type, d.Subject, nullable(d.OptionsJSON), nullable(d.Selected), nullable(d.Rationale), d.Approver)
	return err
}

type DecisionFilters struct {
	SessionID string
	Type      string
	Subject   string
	Limit     int
}

func (r Repo) ListDecisions(ctx context.Context, f DecisionFilters) ([]domain.Decision, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Subject != "" {
		clauses = append(clauses, "subject=?")
		args = append(args, f.Subject)
	}
	query := `SELECT id,session_id,ts,type,subject,options_json,selected,rationale,approver FROM decisions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var sessionID, options, selected, rationale sql.NullString
		if err := rows.Scan(&d.ID, &sessionID, &d.TS, &d.Type, &d.Subject, &options, &selected, &rationale, &d.Approver); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			d.SessionID = &sessionID.String
		}
		d.OptionsJSON = options.String
		d.Selected = selected.String
		d.Rationale = rationale.String
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- actions ---

type ActionFilters struct {
	SessionID string
	Type      string
	InputRef  string
	Limit     int
}

func (r Repo) LatestActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.InputRef != "" {
		clauses = append(clauses, "input_ref=?")
		args = append(args, f.InputRef)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,session_id,ts,actor,type,input_ref,output_ref,status,reason,meta_json FROM actions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		var a domain.Action
		var sessionID, inputRef, outputRef, reason, meta sql.NullString
		if err := rows.Scan(&a.ID, &sessionID, &a.TS, &a.Actor, &a.Type, &inputRef, &outputRef, &a.Status, &reason, &meta); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			a.SessionID = &sessionID.String
		}
		a.InputRef = inputRef.String
		a.OutputRef = outputRef.String
		a.Reason = reason.String
		a.MetaJSON = meta.String
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountActionsByType answers "how many tasks required human intervention and
// why" style queries over the ledger.
func (r Repo) CountActionsByType(ctx context.Context, typePrefix string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, count(*) FROM actions WHERE type LIKE ? GROUP BY type`, typePrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		res[t] = n
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
