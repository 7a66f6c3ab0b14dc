package db

import (
	"context"
	"embed"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nguyentanjr/file-storage-based-aws/config"
	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/metrics"
)

// MigrationsFS holds the SQL migrations applied by Migrate and the admin tool.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool
	connURL   string
}

// NewDatabaseFromConfig opens the write pool (and a read pool when one is
// configured) and pings both.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	writeURL, err := ConnString(dbConfig)
	if err != nil {
		return nil, err
	}

	writePool, err := createPool(ctx, writeURL, dbConfig.Write, dbConfig.LogQueries, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	readPool := writePool
	if dbConfig.URL == "" && dbConfig.Read != nil && len(dbConfig.Read.Hosts) > 0 {
		readURL := endpointURL(dbConfig.Read)
		readPool, err = createPool(ctx, readURL, dbConfig.Read, dbConfig.LogQueries, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("DB: No read configuration specified, using write pool for read operations")
	}

	return &Database{WritePool: writePool, ReadPool: readPool, connURL: writeURL}, nil
}

// ConnString returns the write connection URL.
func ConnString(c *config.DatabaseConfig) (string, error) {
	if c.URL != "" {
		return c.URL, nil
	}
	if c.Write == nil || len(c.Write.Hosts) == 0 {
		return "", fmt.Errorf("write database configuration is required")
	}
	return endpointURL(c.Write), nil
}

func endpointURL(e *config.DatabaseEndpointConfig) string {
	host := e.Hosts[rand.Intn(len(e.Hosts))]
	port := e.Port
	if port == 0 {
		port = 5432
	}
	sslMode := "disable"
	if e.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", e.User, e.Password, host, port, e.Name, sslMode)
}

func createPool(ctx context.Context, connString string, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		cfg.ConnConfig.Tracer = &queryTracer{}
	}

	if endpoint != nil {
		if endpoint.MaxConns > 0 {
			cfg.MaxConns = int32(endpoint.MaxConns)
		}
		if endpoint.MinConns > 0 {
			cfg.MinConns = int32(endpoint.MinConns)
		}
		lifetime, err := endpoint.GetMaxConnLifetime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
		}
		cfg.MaxConnLifetime = lifetime
		idle, err := endpoint.GetMaxConnIdleTime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
		}
		cfg.MaxConnIdleTime = idle
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("DB: pool created", "role", poolType,
		"host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database,
		"max_conns", cfg.MaxConns, "min_conns", cfg.MinConns)
	return pool, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		stats := db.WritePool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
		metrics.DBPoolInUseConns.WithLabelValues("write").Set(float64(stats.AcquiredConns()))
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		stats := db.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolInUseConns.WithLabelValues("read").Set(float64(stats.AcquiredConns()))
	}
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
}

// BeginTx starts a new transaction and wraps it for metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &measuredTx{Tx: tx, start: time.Now()}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	}
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	// A rollback after a successful commit is a no-op and is not counted.
	if err != pgx.ErrTxClosed {
		metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
		metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	}
	return err
}

// TimedQueryRow wraps QueryRow on the read pool with duration metrics
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := db.ReadPool.QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, "read").Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success", "read").Inc()
	return row
}

// TimedQuery wraps Query on the read pool with duration metrics
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.ReadPool.Query(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, "read").Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, "read").Inc()
	return rows, err
}

// TimedExec wraps Exec on the write pool with duration metrics and returns
// the number of affected rows.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...any) (int64, error) {
	start := time.Now()
	tag, err := db.WritePool.Exec(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, "write").Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, "write").Inc()
	return tag.RowsAffected(), err
}

// queryTracer logs every statement at debug level.
type queryTracer struct{}

type traceStartKey struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("DB: query", "sql", data.SQL, "args", len(data.Args))
	return context.WithValue(ctx, traceStartKey{}, time.Now())
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, _ := ctx.Value(traceStartKey{}).(time.Time)
	if data.Err != nil {
		logger.Debug("DB: query failed", "elapsed", time.Since(start), "error", data.Err)
		return
	}
	logger.Debug("DB: query done", "elapsed", time.Since(start), "rows", data.CommandTag.RowsAffected())
}
