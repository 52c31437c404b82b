package provenance

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists provenance records for durability across restarts.
// It mirrors Log's append-only semantics: rows are insert-only, ordered by
// a monotonic sequence column so GetChain can reconstruct chronological
// order without relying on wall-clock timestamps alone.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB. Run Migrate once at startup.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the provenance_records table. Safe to call repeatedly;
// real deployments should prefer the goose migrations under migrations/.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS provenance_records (
			seq             BIGSERIAL PRIMARY KEY,
			transaction_id  VARCHAR(64) NOT NULL,
			stage           VARCHAR(32) NOT NULL,
			action          TEXT NOT NULL,
			outcome         VARCHAR(16) NOT NULL,
			details         JSONB NOT NULL DEFAULT '{}',
			recorded_at     VARCHAR(32) NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_provenance_tx ON provenance_records(transaction_id, seq);
	`)
	return err
}

// Append inserts rec as the next row for its transaction id. It never
// updates or deletes an existing row — the log is append-only end to end.
func (p *PostgresStore) Append(ctx context.Context, rec *Record) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO provenance_records
			(transaction_id, stage, action, outcome, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.TransactionID, string(rec.Stage), rec.Action, string(rec.Outcome), details, rec.Timestamp)
	return err
}

// GetChain reads the chronological chain of records for txID.
func (p *PostgresStore) GetChain(ctx context.Context, txID string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT transaction_id, stage, action, outcome, details, recorded_at
		FROM provenance_records
		WHERE transaction_id = $1
		ORDER BY seq ASC
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var stage, outcome string
		var details []byte
		if err := rows.Scan(&rec.TransactionID, &stage, &rec.Action, &outcome, &details, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Stage = Stage(stage)
		rec.Outcome = Outcome(outcome)
		rec.Details = make(map[string]string)
		_ = json.Unmarshal(details, &rec.Details)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
