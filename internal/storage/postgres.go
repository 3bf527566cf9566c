package storage

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/labsync/labsync/internal/core/collab"
)

var _ RecordStore = (*Postgres)(nil)

// Postgres persists test items as jsonb documents. A field write is a single
// jsonb merge, atomic per statement, matching the one-request-one-write
// model the edit sessions rely on.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the schema when it does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS lab_items (
	id         BIGINT PRIMARY KEY,
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS lab_staff (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	account    TEXT NOT NULL,
	department TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS lab_staff_department_idx ON lab_staff (department);`
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id collab.RecordID) (collab.Record, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT fields FROM lab_items WHERE id = $1`, int64(id),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select record")
	}
	return decodeRecord(raw)
}

func (p *Postgres) List(ctx context.Context) (map[collab.RecordID]collab.Record, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, fields FROM lab_items ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "select records")
	}
	defer rows.Close()

	out := make(map[collab.RecordID]collab.Record)
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, errors.Wrap(err, "scan record row")
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out[collab.RecordID(id)] = rec
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateFields(ctx context.Context, id collab.RecordID, fields collab.Record) (collab.Record, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encode field patch")
	}

	var raw []byte
	err = p.pool.QueryRow(ctx,
		`UPDATE lab_items
		 SET fields = fields || $2::jsonb, updated_at = now()
		 WHERE id = $1
		 RETURNING fields`, int64(id), patch,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "update record")
	}
	return decodeRecord(raw)
}

func (p *Postgres) Options(ctx context.Context, department string) ([]collab.Option, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, account FROM lab_staff WHERE department = $1 ORDER BY name`, department)
	if err != nil {
		return nil, errors.Wrap(err, "select staff")
	}
	defer rows.Close()

	var out []collab.Option
	for rows.Next() {
		var o collab.Option
		if err := rows.Scan(&o.ID, &o.Name, &o.Account); err != nil {
			return nil, errors.Wrap(err, "scan staff row")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func decodeRecord(raw []byte) (collab.Record, error) {
	var rec collab.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "decode record fields")
	}
	return rec, nil
}
