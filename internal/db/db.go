package db

import (
	"context"
	"crypto/tls"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect identifies the SQL flavour behind a *sql.DB. Queries are written
// with ? placeholders and rebound for postgres.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// Rebind replaces ? placeholders with $1, $2, ... for postgres.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type DB struct {
	SQL     *sql.DB
	Dialect Dialect
	Redis   *redis.Client

	log *logrus.Entry
}

// Open connects to the SQL backend only. driver is "postgres" or "sqlite3".
func Open(driver, dsn string) (*DB, error) {
	dialect := Dialect(driver)
	if dialect != Postgres && dialect != SQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}

	if dialect == SQLite {
		// A single connection keeps :memory: databases alive and serializes
		// writers, which is what the claim and delivery statements rely on.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	return &DB{
		SQL:     conn,
		Dialect: dialect,
		log:     logrus.WithField("component", "db"),
	}, nil
}

// NewDB opens the SQL backend and, when redisURL is set, a Redis client.
// Redis is optional: a failed ping is logged and the server runs without it.
func NewDB(driver, dsn, redisURL string) (*DB, error) {
	database, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	database.log.Infof("%s connection established", driver)

	if redisURL == "" {
		database.log.Warn("REDIS_URL not set (continuing without Redis)")
		return database, nil
	}

	rdb, err := ConnectRedis(context.Background(), redisURL)
	if err != nil {
		database.log.Warnf("Failed to connect to Redis: %v (continuing without Redis)", err)
		return database, nil
	}
	database.Redis = rdb
	database.log.Info("Redis connection established")

	return database, nil
}

// ConnectRedis accepts either host:port or a redis:// / rediss:// URL.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts := &redis.Options{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		parsed, err := url.Parse(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts.Addr = parsed.Host
		if parsed.User != nil {
			opts.Username = parsed.User.Username()
			if password, ok := parsed.User.Password(); ok {
				opts.Password = password
			}
		}
		if parsed.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	} else {
		opts.Addr = redisURL
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (db *DB) Close() error {
	var errs []error

	if db.SQL != nil {
		if err := db.SQL.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sql close error: %w", err))
		}
	}

	if db.Redis != nil {
		if err := db.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing databases: %v", errs)
	}

	return nil
}

// RunMigrations applies the embedded migrations for the active dialect in
// file name order. Each file runs in its own transaction and is recorded in
// schema_migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.SQL.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	dir := path.Join("migrations", string(db.Dialect))
	files, err := fs.Glob(migrationsFS, path.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		version := path.Base(file)

		var exists bool
		err := db.SQL.QueryRowContext(ctx,
			db.Dialect.Rebind("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)"),
			version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			db.log.Debugf("Migration %s already applied, skipping", version)
			continue
		}

		content, err := migrationsFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", version, err)
		}

		tx, err := db.SQL.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction for migration %s: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx,
			db.Dialect.Rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			version, time.Now().UnixMilli(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", version, err)
		}

		db.log.Infof("Applied migration: %s", version)
	}

	return nil
}

// Health pings SQL and, when present, Redis. Redis failures are logged only.
func (db *DB) Health(ctx context.Context) error {
	if err := db.SQL.PingContext(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", db.Dialect, err)
	}

	if db.Redis != nil {
		if err := db.Redis.Ping(ctx).Err(); err != nil {
			db.log.Warnf("Redis health check failed: %v", err)
		}
	}

	return nil
}

// IsUniqueViolation reports whether err is a unique constraint failure from
// either driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
