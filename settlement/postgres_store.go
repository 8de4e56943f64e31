package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table so settlement outcomes
// survive restarts and are shared between facilitator replicas.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS x402_settlements (
    key TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    response JSONB NOT NULL,
    transactions JSONB NOT NULL,
    step INT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE x402_settlements ADD COLUMN IF NOT EXISTS binding TEXT NOT NULL DEFAULT '';
ALTER TABLE x402_settlements ADD COLUMN IF NOT EXISTS replaced JSONB NOT NULL DEFAULT '[]';
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT state, response, transactions, step, binding, replaced, created_at, expires_at
FROM x402_settlements
WHERE key = $1
`, key)

	rec := Record{Key: key}
	var response, transactions, replaced []byte
	if err := row.Scan(&rec.State, &response, &transactions, &rec.Step, &rec.Binding, &replaced, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	if err := json.Unmarshal(response, &rec.Response); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(transactions, &rec.Transactions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(replaced, &rec.Replaced); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	response, err := json.Marshal(record.Response)
	if err != nil {
		return err
	}
	if record.Transactions == nil {
		record.Transactions = []string{}
	}
	transactions, err := json.Marshal(record.Transactions)
	if err != nil {
		return err
	}
	if record.Replaced == nil {
		record.Replaced = []string{}
	}
	replaced, err := json.Marshal(record.Replaced)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO x402_settlements (key, state, response, transactions, step, binding, replaced, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (key) DO UPDATE
SET state = EXCLUDED.state,
    response = EXCLUDED.response,
    transactions = EXCLUDED.transactions,
    step = EXCLUDED.step,
    binding = EXCLUDED.binding,
    replaced = EXCLUDED.replaced,
    expires_at = EXCLUDED.expires_at
`, record.Key, string(record.State), response, transactions, record.Step, record.Binding, replaced, record.CreatedAt, record.ExpiresAt)
	return err
}

// Prune deletes expired records.
func (p *PostgresStore) Prune(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM x402_settlements WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
