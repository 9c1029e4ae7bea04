package extractionconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rxextract/rxextract/internal/platform/db"
)

const sqliteTime = "2006-01-02T15:04:05.000000000Z"

type sqliteRepo struct {
	db *sql.DB
}

// NewSQLiteRepo stores configurations in SQLite. Writes run in a
// transaction on the database's single connection, so clearing and setting
// the default flag cannot interleave with another writer.
func NewSQLiteRepo(sqlDB *sql.DB) Repository {
	return &sqliteRepo{db: sqlDB}
}

func (r *sqliteRepo) conn(ctx context.Context) db.SQLQuerier {
	return db.SQLConn(ctx, r.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *sqliteRepo) scan(row rowScanner) (*Config, error) {
	var c Config
	var models, fields, prompts, created, updated string
	err := row.Scan(&c.ID, &c.Name, &models, &fields, &prompts, &c.IsDefault, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(models), &c.SelectedModels); err != nil {
		return nil, fmt.Errorf("decode selected_models for %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(fields), &c.SelectedFields); err != nil {
		return nil, fmt.Errorf("decode selected_fields for %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(prompts), &c.CustomPrompts); err != nil {
		return nil, fmt.Errorf("decode custom_prompts for %s: %w", c.ID, err)
	}
	if c.CustomPrompts == nil {
		c.CustomPrompts = map[string]string{}
	}
	if c.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = time.Parse(sqliteTime, updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func encodeConfig(c *Config) (models, fields, prompts string, err error) {
	var b []byte
	if b, err = json.Marshal(c.SelectedModels); err != nil {
		return
	}
	models = string(b)
	if b, err = json.Marshal(c.SelectedFields); err != nil {
		return
	}
	fields = string(b)
	if c.CustomPrompts == nil {
		prompts = "{}"
		return
	}
	if b, err = json.Marshal(c.CustomPrompts); err != nil {
		return
	}
	prompts = string(b)
	return
}

func (r *sqliteRepo) List(ctx context.Context) ([]*Config, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+configCols+` FROM extraction_configs ORDER BY created_at, id`)
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

func (r *sqliteRepo) GetByID(ctx context.Context, id string) (*Config, error) {
	return r.scan(r.conn(ctx).QueryRowContext(ctx, `SELECT `+configCols+` FROM extraction_configs WHERE id = ?`, id))
}

func (r *sqliteRepo) GetDefault(ctx context.Context) (*Config, error) {
	return r.scan(r.conn(ctx).QueryRowContext(ctx, `SELECT `+configCols+` FROM extraction_configs WHERE is_default = 1 LIMIT 1`))
}

func (r *sqliteRepo) clearDefaults(ctx context.Context, c *Config, now string) error {
	if !c.IsDefault {
		return nil
	}
	_, err := r.conn(ctx).ExecContext(ctx,
		`UPDATE extraction_configs SET is_default = 0, updated_at = ? WHERE is_default = 1 AND id <> ?`, now, c.ID)
	return err
}

func (r *sqliteRepo) Create(ctx context.Context, c *Config) error {
	models, fields, prompts, err := encodeConfig(c)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	stamp := now.Format(sqliteTime)
	return db.InSQLTx(ctx, r.db, func(ctx context.Context) error {
		if err := r.clearDefaults(ctx, c, stamp); err != nil {
			return err
		}
		if _, err := r.conn(ctx).ExecContext(ctx, `
			INSERT INTO extraction_configs (id, name, selected_models, selected_fields, custom_prompts,
				is_default, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			c.ID, c.Name, models, fields, prompts, c.IsDefault, stamp, stamp); err != nil {
			return err
		}
		c.CreatedAt, c.UpdatedAt = now, now
		return nil
	})
}

func (r *sqliteRepo) Update(ctx context.Context, id string, mutate func(*Config) error) (*Config, error) {
	var c *Config
	err := db.InSQLTx(ctx, r.db, func(ctx context.Context) error {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(current); err != nil {
			return err
		}
		current.ID = id
		models, fields, prompts, err := encodeConfig(current)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		stamp := now.Format(sqliteTime)
		if err := r.clearDefaults(ctx, current, stamp); err != nil {
			return err
		}
		res, err := r.conn(ctx).ExecContext(ctx, `
			UPDATE extraction_configs SET name=?, selected_models=?, selected_fields=?,
				custom_prompts=?, is_default=?, updated_at=?
			WHERE id = ?`,
			current.Name, models, fields, prompts, current.IsDefault, stamp, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		current.UpdatedAt = now
		c = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	res, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM extraction_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM extraction_configs`).Scan(&n)
	return n, err
}
