// Package mssql implements the datasource adapter for SQL Server external
// databases. Only SQL authentication is supported; integrated auth is not
// available from the environments this service runs in.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/polidocs/ingest-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(&connector{})
}

type connector struct{}

func (c *connector) Type() string { return "sqlserver" }

func (c *connector) Connect(ctx context.Context, cfg datasource.Config) (datasource.Adapter, error) {
	db, err := sql.Open("sqlserver", buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlserver connection: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlserver: %w", err)
	}
	return &adapter{db: db}, nil
}

type adapter struct {
	db *sql.DB
}

func buildConnectionString(cfg datasource.Config) string {
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	q := url.Values{}
	q.Set("database", cfg.Database)
	u.RawQuery = q.Encode()
	return u.String()
}

// bracket quotes a SQL Server identifier, escaping closing brackets.
func bracket(identifier string) string {
	return "[" + strings.ReplaceAll(identifier, "]", "]]") + "]"
}

func (a *adapter) TestConnection(ctx context.Context, spec datasource.ReadSpec) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var tableCount int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_NAME = @p1`,
		spec.Table,
	).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("failed to probe table: %w", err)
	}
	if tableCount == 0 {
		return &datasource.MissingTableError{Table: spec.Table, Err: fmt.Errorf("no table %q", spec.Table)}
	}

	for _, column := range []string{spec.ContentColumn, spec.FilenameColumn} {
		var columnCount int
		err := a.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = @p1 AND COLUMN_NAME = @p2`,
			spec.Table, column,
		).Scan(&columnCount)
		if err != nil {
			return fmt.Errorf("failed to probe column %q: %w", column, err)
		}
		if columnCount == 0 {
			return &datasource.MissingColumnError{Column: column, Err: fmt.Errorf("no column %q on %q", column, spec.Table)}
		}
	}

	return nil
}

func (a *adapter) CountRows(ctx context.Context, spec datasource.ReadSpec) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT_BIG(*) FROM %s`, bracket(spec.Table))

	var count int64
	if err := a.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return count, nil
}

func (a *adapter) ReadRows(ctx context.Context, spec datasource.ReadSpec, fn func(datasource.Row) error) error {
	query := fmt.Sprintf(`SELECT %s, %s FROM %s ORDER BY %s`,
		bracket(spec.FilenameColumn),
		bracket(spec.ContentColumn),
		bracket(spec.Table),
		bracket(spec.FilenameColumn),
	)

	rows, err := a.db.QueryContext(ctx, query)
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
	return a.db.Close()
}

var _ datasource.Adapter = (*adapter)(nil)
