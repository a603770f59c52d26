// Package database opens the campaign MySQL store and provides the
// subscriber repository used by the outbound controller.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DB wraps a sql.DB connection to the campaign store.
type DB struct {
	*sql.DB
}

// Params identifies the MySQL server and database.
type Params struct {
	Host     string
	Database string
	User     string
	Password string
}

// Open connects to MySQL and verifies the connection. The pool stays
// small: the outbound controller touches the database only on state
// transitions.
func Open(ctx context.Context, p Params) (*DB, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = p.Host
	cfg.DBName = p.Database
	cfg.User = p.User
	cfg.Passwd = p.Password
	cfg.ParseTime = true

	sqlDB, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(3 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	slog.Info("database opened", "host", p.Host, "database", p.Database)
	return &DB{DB: sqlDB}, nil
}
