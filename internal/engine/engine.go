package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iwanhae/partq/internal/query"
	"github.com/iwanhae/partq/internal/utils"
	"github.com/rs/zerolog"
)

// ErrClosed is returned for queries issued after Close.
var ErrClosed = errors.New("engine: closed")

// Options configures the embedded DuckDB engine.
type Options struct {
	// Path of a persistent database file. Empty means in-memory.
	Path string
	// Extensions are installed and loaded on every connection, e.g. "httpfs".
	Extensions []string
	// RecycleAfter replaces the database handle after this long. Zero disables recycling.
	RecycleAfter time.Duration

	S3Region   string
	S3Endpoint string
	S3URLStyle string
	// S3UseSSL is only applied when S3Endpoint is set.
	S3UseSSL bool
}

// initStatements returns the statements run on every new connection.
func (o Options) initStatements() []string {
	var stmts []string
	for _, ext := range o.Extensions {
		stmts = append(stmts, fmt.Sprintf("INSTALL %s;", ext), fmt.Sprintf("LOAD %s;", ext))
	}
	if o.S3Region != "" {
		stmts = append(stmts, fmt.Sprintf("SET s3_region = %s;", query.Quote(o.S3Region)))
	}
	if o.S3Endpoint != "" {
		stmts = append(stmts,
			fmt.Sprintf("SET s3_endpoint = %s;", query.Quote(o.S3Endpoint)),
			fmt.Sprintf("SET s3_use_ssl = %t;", o.S3UseSSL),
		)
	}
	if o.S3URLStyle != "" {
		stmts = append(stmts, fmt.Sprintf("SET s3_url_style = %s;", query.Quote(o.S3URLStyle)))
	}
	return stmts
}

// DuckDB executes SQL on an embedded DuckDB database. It is safe for
// concurrent use by multiple in-flight queries.
type DuckDB struct {
	connMgr *connectionManager
	logger  zerolog.Logger
}

// Open creates the engine and eagerly opens its first connection so that a
// broken configuration (unknown extension, bad path) fails at startup.
func Open(opts Options, logger zerolog.Logger) (*DuckDB, error) {
	logger = logger.With().Str("component", "engine").Logger()

	d := &DuckDB{
		connMgr: newConnectionManager(opts.Path, opts.initStatements(), opts.RecycleAfter, logger),
		logger:  logger,
	}
	if _, err := d.connMgr.Get(); err != nil {
		d.connMgr.Close()
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	logger.Info().
		Str("path", opts.Path).
		Strs("extensions", opts.Extensions).
		Dur("recycle_after", opts.RecycleAfter).
		Msg("engine ready")
	return d, nil
}

// ExecuteAll runs sql and fetches every row.
func (d *DuckDB) ExecuteAll(ctx context.Context, sql string) ([]map[string]any, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("failed fast: %w", ctx.Err())
	}

	db, err := d.connMgr.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get a connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return serializeRows(rows)
}

// Stats reports DuckDB memory and temp-file usage alongside pool statistics.
func (d *DuckDB) Stats(ctx context.Context) map[string]any {
	errs := utils.MultiError{}

	db, err := d.connMgr.Get()
	if err != nil {
		errs.Add(fmt.Errorf("error getting connection: %w", err))
		return map[string]any{"errors": errs}
	}

	statsMemory, err := d.ExecuteAll(ctx, "SELECT * FROM duckdb_memory();")
	if err != nil {
		errs.Add(fmt.Errorf("error getting memory usage: %w", err))
	}

	statsTempFiles, err := d.ExecuteAll(ctx, "FROM duckdb_temporary_files();")
	if err != nil {
		errs.Add(fmt.Errorf("error getting temporary files: %w", err))
	}

	return map[string]any{
		"db_stats":          db.Stats(),
		"duckdb_memory":     statsMemory,
		"duckdb_temp_files": statsTempFiles,
		"errors":            errs,
	}
}

// Close shuts down the connection manager and every open handle.
func (d *DuckDB) Close() {
	d.logger.Info().Msg("closing engine")
	d.connMgr.Close()
	d.logger.Info().Msg("engine closed")
}
