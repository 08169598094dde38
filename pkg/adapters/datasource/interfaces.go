// Package datasource defines the adapter contract for external databases
// registered as document feeds, plus a registry of concrete implementations.
package datasource

import "context"

// Config carries the connection parameters for one external database.
// The password arrives already decrypted and lives only for the duration
// of the operation that needed it.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// ReadSpec names the table and columns the sync engine reads documents from.
type ReadSpec struct {
	Table          string
	ContentColumn  string
	FilenameColumn string
}

// Row is one document-bearing row read from an external table.
type Row struct {
	Filename string
	Content  []byte
}

// Adapter is a live connection to an external database. Implementations are
// not safe for concurrent use; the sync engine drives one adapter at a time.
type Adapter interface {
	// TestConnection verifies the database is reachable and the configured
	// table and columns exist. Errors should be classifiable by Classify.
	TestConnection(ctx context.Context, spec ReadSpec) error

	// CountRows returns the number of rows the read spec would yield.
	CountRows(ctx context.Context, spec ReadSpec) (int64, error)

	// ReadRows streams rows to fn in stable order. A non-nil error from fn
	// stops the read and is returned unchanged.
	ReadRows(ctx context.Context, spec ReadSpec, fn func(Row) error) error

	// Close releases the underlying connection.
	Close() error
}

// Connector opens adapters for one database type.
type Connector interface {
	// Type returns the db_type this connector handles, e.g. "postgres".
	Type() string

	// Connect opens a live adapter. It should fail fast; the caller applies
	// the overall timeout through ctx.
	Connect(ctx context.Context, cfg Config) (Adapter, error)
}
