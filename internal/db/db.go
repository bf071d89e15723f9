package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
            room_id VARCHAR(100) PRIMARY KEY,
            host_name VARCHAR(50) NOT NULL,
            video_url TEXT,
            video_kind VARCHAR(10),
            is_playing BOOLEAN NOT NULL DEFAULT FALSE,
            current_time_s DOUBLE PRECISION NOT NULL DEFAULT 0,
            updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS room_users (
            room_id VARCHAR(100) REFERENCES rooms(room_id) ON DELETE CASCADE,
            username VARCHAR(50) NOT NULL,
            is_host BOOLEAN NOT NULL DEFAULT FALSE,
            conn_id VARCHAR(64) NOT NULL,
            joined_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (room_id, username)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id SERIAL PRIMARY KEY,
            room_id VARCHAR(100) REFERENCES rooms(room_id) ON DELETE CASCADE,
            username VARCHAR(50),
            content TEXT NOT NULL,
            kind VARCHAR(10) NOT NULL DEFAULT 'text',
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE INDEX IF NOT EXISTS idx_messages_room_created
            ON messages (room_id, created_at DESC)`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
