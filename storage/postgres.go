package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairsync/store"
)

// feedChannel is the LISTEN/NOTIFY channel the row trigger publishes to.
const feedChannel = "pairsync_messages"

// schemaSQL creates the message table and the change-feed trigger. The
// trigger payload carries the full row when it fits under the NOTIFY size
// limit, otherwise just the action and id; the router resynchronizes when
// the body is missing.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id          text PRIMARY KEY,
    sender_id   text NOT NULL,
    receiver_id text NOT NULL,
    body        text,
    image_url   text,
    audio_url   text,
    created_at  timestamptz NOT NULL DEFAULT now(),
    is_read     boolean NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS messages_pair_created_idx
    ON messages (sender_id, receiver_id, created_at);

CREATE OR REPLACE FUNCTION pairsync_notify() RETURNS trigger AS $$
DECLARE
    rec     messages%ROWTYPE;
    payload text;
BEGIN
    IF TG_OP = 'DELETE' THEN
        rec := OLD;
    ELSE
        rec := NEW;
    END IF;
    payload := json_build_object(
        'action', lower(TG_OP),
        'id', rec.id,
        'message', json_build_object(
            'id', rec.id,
            'sender_id', rec.sender_id,
            'receiver_id', rec.receiver_id,
            'text', rec.body,
            'image_url', rec.image_url,
            'audio_url', rec.audio_url,
            'created_at', to_char(rec.created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
            'is_read', rec.is_read
        )
    )::text;
    IF octet_length(payload) > 7500 THEN
        payload := json_build_object('action', lower(TG_OP), 'id', rec.id)::text;
    END IF;
    PERFORM pg_notify('` + feedChannel + `', payload);
    RETURN rec;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS pairsync_messages_notify ON messages;
CREATE TRIGGER pairsync_messages_notify
    AFTER INSERT OR UPDATE OR DELETE ON messages
    FOR EACH ROW EXECUTE FUNCTION pairsync_notify();
`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to the given database URL.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewPostgresStore",
	}).Info("Connected to postgres")

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the message table and change-feed trigger if they
// do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FetchAll implements Store. Identities are normalized before filtering so
// the pair match is exact in either direction.
func (s *PostgresStore) FetchAll(ctx context.Context, identityA, identityB string) ([]store.Message, error) {
	a := store.NormalizeIdentity(identityA)
	b := store.NormalizeIdentity(identityB)

	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_id, receiver_id, body, image_url, audio_url, created_at, is_read
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC
	`, a, b)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return out, nil
}

func scanMessage(scan func(...any) error) (store.Message, error) {
	var (
		m         store.Message
		body      *string
		imageURL  *string
		audioURL  *string
		createdAt time.Time
	)
	if err := scan(&m.ID, &m.SenderID, &m.ReceiverID, &body, &imageURL, &audioURL, &createdAt, &m.IsRead); err != nil {
		return store.Message{}, err
	}
	if body != nil {
		m.Text = *body
	}
	if imageURL != nil {
		m.ImageURL = *imageURL
	}
	if audioURL != nil {
		m.AudioURL = *audioURL
	}
	m.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	return m, nil
}

// Insert implements Store: persists the message and returns the canonical
// row, preserving the client-generated ID.
func (s *PostgresStore) Insert(ctx context.Context, msg store.Message) (store.Message, error) {
	createdAt, ok := msg.CreatedTime()
	if !ok {
		createdAt = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, body, image_url, audio_url, created_at, is_read)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		ON CONFLICT (id) DO UPDATE SET is_read = messages.is_read OR EXCLUDED.is_read
		RETURNING id, sender_id, receiver_id, body, image_url, audio_url, created_at, is_read
	`,
		msg.ID,
		store.NormalizeIdentity(msg.SenderID),
		store.NormalizeIdentity(msg.ReceiverID),
		msg.Text,
		msg.ImageURL,
		msg.AudioURL,
		createdAt,
		msg.IsRead,
	)
	stored, err := scanMessage(row.Scan)
	if err != nil {
		return store.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return stored, nil
}

// UpdateReadFlag implements Store: a monotonic bulk flip, never clearing
// the flag.
func (s *PostgresStore) UpdateReadFlag(ctx context.Context, receiver, sender string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET is_read = true
		WHERE receiver_id = $1 AND sender_id = $2 AND is_read = false
	`, store.NormalizeIdentity(receiver), store.NormalizeIdentity(sender))
	if err != nil {
		return fmt.Errorf("update read flag: %w", err)
	}
	if tag.RowsAffected() > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "UpdateReadFlag",
			"count":    tag.RowsAffected(),
		}).Debug("Marked messages read")
	}
	return nil
}

// Delete implements Store. Deleting an absent ID succeeds.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
