package actions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends Action audit rows. Append always runs inside the caller's
// transaction so a state change and its trail commit together or not at all.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Meta map[string]any

// Entry describes one audit row.
type Entry struct {
	SessionID string
	Actor     string
	Type      string
	InputRef  string
	OutputRef string
	Status    string
	Reason    string
	Meta      Meta
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Status == "" {
		e.Status = "ok"
	}
	if e.Meta == nil {
		e.Meta = Meta{}
	}
	data, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("marshal action meta: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO actions(session_id,ts,actor,type,input_ref,output_ref,status,reason,meta_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		nullable(e.SessionID), ts, e.Actor, e.Type, nullable(e.InputRef), nullable(e.OutputRef), e.Status, nullable(e.Reason), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
