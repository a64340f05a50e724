package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"gateline/internal/domain"
)

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts(id,session_id,ts,type,title,content,content_hash,classification,tags_json,meta_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullableStringPtr(a.SessionID), a.TS, a.Type, a.Title, a.Content, a.ContentHash, nullable(a.Classification), string(tags), nullable(a.MetaJSON))
	return err
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	var a domain.Artifact
	var sessionID, classification, tags, meta sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,session_id,ts,type,title,content,content_hash,classification,tags_json,meta_json FROM artifacts WHERE id=?`, id).
		Scan(&a.ID, &sessionID, &a.TS, &a.Type, &a.Title, &a.Content, &a.ContentHash, &classification, &tags, &meta)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if sessionID.Valid {
		a.SessionID = &sessionID.String
	}
	a.Classification = classification.String
	a.MetaJSON = meta.String
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &a.Tags)
	}
	return a, nil
}

// --- agents and routing rules (read-mostly reference data) ---

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,version,description,output_types_json,created_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var desc sql.NullString
		var outputs string
		if err := rows.Scan(&a.Name, &a.Version, &desc, &outputs, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Description = desc.String
		if err := json.Unmarshal([]byte(outputs), &a.OutputTypes); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) GetAgent(ctx context.Context, name string) (domain.Agent, error) {
	var a domain.Agent
	var desc sql.NullString
	var outputs string
	err := r.DB.QueryRowContext(ctx, `SELECT name,version,description,output_types_json,created_at FROM agents WHERE name=?`, name).
		Scan(&a.Name, &a.Version, &desc, &outputs, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Description = desc.String
	if err := json.Unmarshal([]byte(outputs), &a.OutputTypes); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) ListRoutingRules(ctx context.Context) ([]domain.RoutingRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT position,keywords_json,intent,primary_agent,secondary_agent,requires_review,version FROM routing_rules ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoutingRule
	for rows.Next() {
		var rule domain.RoutingRule
		var keywords string
		var secondary sql.NullString
		var review int
		if err := rows.Scan(&rule.Position, &keywords, &rule.Intent, &rule.PrimaryAgent, &secondary, &review, &rule.Version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(keywords), &rule.Keywords); err != nil {
			return nil, err
		}
		rule.SecondaryAgent = secondary.String
		rule.RequiresReview = review != 0
		res = append(res, rule)
	}
	return res, rows.Err()
}
