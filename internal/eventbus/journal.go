package eventbus

import (
	"context"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
)

const (
	journalSchema = `CREATE TABLE IF NOT EXISTS room_events (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(64) NOT NULL,
		room_id VARCHAR(255) NOT NULL,
		peer_id VARCHAR(255) NOT NULL DEFAULT '',
		resource_id VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`

	journalEventsLimitDefault int = 100
)

// Journal appends events to the room_events table.
type Journal struct {
	db *sqlx.DB
}

func OpenJournal(ctx context.Context, databaseURL string) (*Journal, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	return NewJournal(db), nil
}

func NewJournal(db *sqlx.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) Migrate(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, journalSchema)
	return err
}

func (j *Journal) Publish(ctx context.Context, e Event) error {
	_, err := j.db.NamedExecContext(ctx,
		`INSERT INTO room_events (type, room_id, peer_id, resource_id, created_at)
		VALUES (:type, :room_id, :peer_id, :resource_id, :created_at)`,
		e,
	)
	return err
}

// Events returns the latest events of a room, newest first.
func (j *Journal) Events(ctx context.Context, roomID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = journalEventsLimitDefault
	}

	events := []Event{}
	err := j.db.SelectContext(ctx, &events,
		`SELECT type, room_id, peer_id, resource_id, created_at
		FROM room_events
		WHERE room_id = $1
		ORDER BY id DESC
		LIMIT $2`,
		roomID, limit,
	)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
