// Package postgres implements the datasource adapter for PostgreSQL
// external databases.
package postgres

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"

	"github.com/polidocs/ingest-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(&connector{})
}

type connector struct{}

func (c *connector) Type() string { return "postgres" }

func (c *connector) Connect(ctx context.Context, cfg datasource.Config) (datasource.Adapter, error) {
	conn, err := pgx.Connect(ctx, buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &adapter{conn: conn}, nil
}

type adapter struct {
	conn *pgx.Conn
}

func buildConnectionString(cfg datasource.Config) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=prefer",
		url.QueryEscape(cfg.Username),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		url.PathEscape(cfg.Database),
	)
}

func (a *adapter) TestConnection(ctx context.Context, spec datasource.ReadSpec) error {
	if err := a.conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var regclass *string
	err := a.conn.QueryRow(ctx, `SELECT to_regclass($1)::text`, spec.Table).Scan(&regclass)
	if err != nil {
		return fmt.Errorf("failed to probe table: %w", err)
	}
	if regclass == nil {
		return &datasource.MissingTableError{Table: spec.Table, Err: fmt.Errorf("no relation %q", spec.Table)}
	}

	for _, column := range []string{spec.ContentColumn, spec.FilenameColumn} {
		var exists bool
		err := a.conn.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = $1 AND column_name = $2
			)`, spec.Table, column,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to probe column %q: %w", column, err)
		}
		if !exists {
			return &datasource.MissingColumnError{Column: column, Err: fmt.Errorf("no column %q on %q", column, spec.Table)}
		}
	}

	return nil
}

func (a *adapter) CountRows(ctx context.Context, spec datasource.ReadSpec) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, pgx.Identifier{spec.Table}.Sanitize())

	var count int64
	if err := a.conn.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return count, nil
}

func (a *adapter) ReadRows(ctx context.Context, spec datasource.ReadSpec, fn func(datasource.Row) error) error {
	query := fmt.Sprintf(`SELECT %s, %s FROM %s ORDER BY %s`,
		pgx.Identifier{spec.FilenameColumn}.Sanitize(),
		pgx.Identifier{spec.ContentColumn}.Sanitize(),
		pgx.Identifier{spec.Table}.Sanitize(),
		pgx.Identifier{spec.FilenameColumn}.Sanitize(),
	)

	rows, err := a.conn.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to read rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row datasource.Row
		if err := rows.Scan(&row.Filename, &row.Content); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}

	return nil
}

func (a *adapter) Close() error {
	return a.conn.Close(context.Background())
}

var _ datasource.Adapter = (*adapter)(nil)
