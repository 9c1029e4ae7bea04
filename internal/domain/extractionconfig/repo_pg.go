package extractionconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxextract/rxextract/internal/platform/db"
)

// defaultLockKey is the advisory lock that serialises default-flag writes.
const defaultLockKey int64 = 0x72786366 // "rxcf"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgRepo struct {
	pool *pgxpool.Pool
}

func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool}
}

func (r *pgRepo) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const configCols = `id, name, selected_models, selected_fields, custom_prompts, is_default, created_at, updated_at`

func (r *pgRepo) scan(row pgx.Row) (*Config, error) {
	var c Config
	var prompts []byte
	err := row.Scan(&c.ID, &c.Name, &c.SelectedModels, &c.SelectedFields, &prompts,
		&c.IsDefault, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(prompts, &c.CustomPrompts); err != nil {
		return nil, fmt.Errorf("decode custom_prompts for %s: %w", c.ID, err)
	}
	if c.CustomPrompts == nil {
		c.CustomPrompts = map[string]string{}
	}
	return &c, nil
}

func (r *pgRepo) List(ctx context.Context) ([]*Config, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+configCols+` FROM extraction_configs ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*Config{}
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *pgRepo) GetByID(ctx context.Context, id string) (*Config, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+configCols+` FROM extraction_configs WHERE id = $1`, id))
}

func (r *pgRepo) GetDefault(ctx context.Context) (*Config, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+configCols+` FROM extraction_configs WHERE is_default LIMIT 1`))
}

// lockDefaults takes the advisory lock and, for a default write, clears
// the flag everywhere else. It must run inside a transaction.
func (r *pgRepo) lockDefaults(ctx context.Context, c *Config) error {
	if _, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, defaultLockKey); err != nil {
		return fmt.Errorf("lock default flag: %w", err)
	}
	if !c.IsDefault {
		return nil
	}
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE extraction_configs SET is_default = FALSE, updated_at = NOW() WHERE is_default AND id <> $1`, c.ID)
	return err
}

func (r *pgRepo) Create(ctx context.Context, c *Config) error {
	prompts, err := json.Marshal(c.CustomPrompts)
	if err != nil {
		return err
	}
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.lockDefaults(ctx, c); err != nil {
			return err
		}
		return r.conn(ctx).QueryRow(ctx, `
			INSERT INTO extraction_configs (id, name, selected_models, selected_fields, custom_prompts, is_default)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING created_at, updated_at`,
			c.ID, c.Name, c.SelectedModels, c.SelectedFields, prompts, c.IsDefault,
		).Scan(&c.CreatedAt, &c.UpdatedAt)
	})
}

func (r *pgRepo) Update(ctx context.Context, id string, mutate func(*Config) error) (*Config, error) {
	var c *Config
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		current, err := r.scan(r.conn(ctx).QueryRow(ctx,
			`SELECT `+configCols+` FROM extraction_configs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := mutate(current); err != nil {
			return err
		}
		current.ID = id
		prompts, err := json.Marshal(current.CustomPrompts)
		if err != nil {
			return err
		}
		if err := r.lockDefaults(ctx, current); err != nil {
			return err
		}
		err = r.conn(ctx).QueryRow(ctx, `
			UPDATE extraction_configs SET name=$2, selected_models=$3, selected_fields=$4,
				custom_prompts=$5, is_default=$6, updated_at=NOW()
			WHERE id = $1
			RETURNING created_at, updated_at`,
			current.ID, current.Name, current.SelectedModels, current.SelectedFields, prompts, current.IsDefault,
		).Scan(&current.CreatedAt, &current.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		c = current
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *pgRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM extraction_configs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM extraction_configs`).Scan(&n)
	return n, err
}
