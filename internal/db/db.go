package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the platform's managed Postgres and ensures the schema the
// engine expects. In production the platform owns the schema and the
// statements are no-ops.
func Connect(dsn string) (*sqlx.DB, error) {
	database, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := ensureSchema(database); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return database, nil
}

func ensureSchema(database *sqlx.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username TEXT NOT NULL,
            email TEXT NOT NULL DEFAULT '',
            profile_photo TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS conversations (
            id SERIAL PRIMARY KEY,
            participant_a TEXT NOT NULL,
            participant_b TEXT NOT NULL,
            last_message TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ DEFAULT NOW(),
            updated_at TIMESTAMPTZ DEFAULT NOW(),
            CHECK (participant_a < participant_b),
            UNIQUE(participant_a, participant_b)
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id SERIAL PRIMARY KEY,
            conversation_id INT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            body TEXT NOT NULL DEFAULT '',
            attachment JSONB,
            status TEXT NOT NULL DEFAULT 'sent'
                CHECK (status IN ('pending','sent','delivered','read','deleted')),
            correlation_key TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
            ON messages (conversation_id, created_at, id);`,
		`CREATE TABLE IF NOT EXISTS user_push_tokens (
            user_id TEXT PRIMARY KEY,
            push_token TEXT NOT NULL,
            updated_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	}

	for _, stmt := range statements {
		if _, err := database.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
