package ledger

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/mbd888/paysentry/internal/transaction"
)

// PostgresStore persists transaction records, mirroring the in-memory
// Ledger's semantics for a process restart: record is insert-or-update,
// reads reconstruct the same Transaction shape.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB. Run Migrate once at startup.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the transactions table. Safe to call repeatedly; real
// deployments should prefer the goose migrations under migrations/.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id              VARCHAR(64) PRIMARY KEY,
			agent_id        VARCHAR(128) NOT NULL,
			recipient       TEXT NOT NULL,
			amount          VARCHAR(64) NOT NULL,
			currency        VARCHAR(16) NOT NULL,
			purpose         TEXT,
			protocol        VARCHAR(32) NOT NULL,
			status          VARCHAR(16) NOT NULL,
			service         VARCHAR(128),
			protocol_tx_id  VARCHAR(128),
			metadata        JSONB NOT NULL DEFAULT '{}',
			created_at      VARCHAR(32) NOT NULL,
			updated_at      VARCHAR(32) NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tx_agent ON transactions(agent_id);
		CREATE INDEX IF NOT EXISTS idx_tx_service ON transactions(service);
		CREATE INDEX IF NOT EXISTS idx_tx_recipient ON transactions(recipient);
		CREATE INDEX IF NOT EXISTS idx_tx_created ON transactions(created_at DESC);
	`)
	return err
}

// Upsert writes tx, inserting or overwriting the row by id.
func (p *PostgresStore) Upsert(ctx context.Context, tx *transaction.Transaction) error {
	meta, err := json.Marshal(tx.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, agent_id, recipient, amount, currency, purpose, protocol, status,
			 service, protocol_tx_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			protocol_tx_id = EXCLUDED.protocol_tx_id,
			updated_at = EXCLUDED.updated_at
	`, tx.ID, tx.AgentID, tx.Recipient, tx.Amount, tx.Currency, tx.Purpose, string(tx.Protocol),
		string(tx.Status), tx.Service, tx.ProtocolTxID, meta, tx.CreatedAt, tx.UpdatedAt)
	return err
}

// Get reads one transaction row by id.
func (p *PostgresStore) Get(ctx context.Context, id string) (*transaction.Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, agent_id, recipient, amount, currency, purpose, protocol, status,
		       service, protocol_tx_id, metadata, created_at, updated_at
		FROM transactions WHERE id = $1
	`, id)
	return scanTransaction(row)
}

func scanTransaction(row *sql.Row) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	var protocol, status string
	var meta []byte
	var service, protocolTxID sql.NullString

	err := row.Scan(&tx.ID, &tx.AgentID, &tx.Recipient, &tx.Amount, &tx.Currency, &tx.Purpose,
		&protocol, &status, &service, &protocolTxID, &meta, &tx.CreatedAt, &tx.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.Protocol = transaction.Protocol(protocol)
	tx.Status = transaction.Status(status)
	tx.Service = service.String
	tx.ProtocolTxID = protocolTxID.String
	tx.Metadata = make(map[string]string)
	_ = json.Unmarshal(meta, &tx.Metadata)
	return &tx, nil
}
