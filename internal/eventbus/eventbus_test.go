package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	lock   sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *mockPublisher) Publish(_ context.Context, e Event) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.events = append(m.events, e)
	return m.err
}

func (m *mockPublisher) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.closed = true
	return nil
}

func (m *mockPublisher) Events() []Event {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]Event(nil), m.events...)
}

func TestEventToJSON(t *testing.T) {
	e := NewEvent(ProducerCreated, "room-1", "peer-1", "producer-1")

	data, err := e.ToJSON()
	require.NoError(t, err)

	payload := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "producer.created", payload["type"])
	assert.Equal(t, "room-1", payload["roomId"])
	assert.Equal(t, "peer-1", payload["peerId"])
	assert.Equal(t, "producer-1", payload["resourceId"])

	data, err = NewEvent(RoomCreated, "room-1", "", "").ToJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "peerId")
}

func TestFanout(t *testing.T) {
	failing := &mockPublisher{err: errors.New("boom")}
	ok := &mockPublisher{}
	fanout := NewFanout(failing, ok)

	err := fanout.Publish(context.Background(), NewEvent(PeerJoined, "room-1", "peer-1", ""))
	assert.EqualError(t, err, "boom")
	assert.Len(t, failing.Events(), 1)
	assert.Len(t, ok.Events(), 1)

	assert.NoError(t, fanout.Close())
	assert.True(t, failing.closed)
	assert.True(t, ok.closed)
}

func TestAsync(t *testing.T) {
	next := &mockPublisher{}
	async := NewAsync(next, 16)

	for _, tp := range []EventType{RoomCreated, PeerJoined, PeerLeft} {
		assert.NoError(t, async.Publish(context.Background(), NewEvent(tp, "room-1", "peer-1", "")))
	}
	require.NoError(t, async.Close())

	events := next.Events()
	require.Len(t, events, 3)
	assert.Equal(t, RoomCreated, events[0].Type)
	assert.Equal(t, PeerJoined, events[1].Type)
	assert.Equal(t, PeerLeft, events[2].Type)
	assert.True(t, next.closed)

	assert.NoError(t, async.Publish(context.Background(), NewEvent(RoomDeleted, "room-1", "", "")))
	assert.Len(t, next.Events(), 3)
	assert.NoError(t, async.Close())
}

func TestNatsSubject(t *testing.T) {
	bus := NewNatsBus(nil, "livelook.rooms")

	assert.Equal(t, "livelook.rooms.room-1", bus.Subject("room-1"))
	assert.Equal(t, "livelook.rooms.a_b_c_d", bus.Subject("a.b*c>d"))
}

func TestJournal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	sqlxDb := sqlx.NewDb(db, "pgx")
	defer sqlxDb.Close()

	journal := NewJournal(sqlxDb)
	ctx := context.Background()

	t.Run("migrate", func(t *testing.T) {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS room_events").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.NoError(t, journal.Migrate(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("publish", func(t *testing.T) {
		e := NewEvent(TransportCreated, "room-1", "peer-1", "transport-1")

		mock.ExpectExec("INSERT INTO room_events").
			WithArgs("transport.created", "room-1", "peer-1", "transport-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		assert.NoError(t, journal.Publish(ctx, e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("events", func(t *testing.T) {
		createdAt := time.Date(2022, 5, 1, 10, 0, 0, 0, time.UTC)
		rows := sqlmock.NewRows([]string{"type", "room_id", "peer_id", "resource_id", "created_at"}).
			AddRow("peer.left", "room-1", "peer-1", "", createdAt).
			AddRow("peer.joined", "room-1", "peer-1", "", createdAt)

		mock.ExpectQuery("SELECT (.+) FROM room_events").
			WithArgs("room-1", journalEventsLimitDefault).
			WillReturnRows(rows)

		events, err := journal.Events(ctx, "room-1", 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, PeerLeft, events[0].Type)
		assert.Equal(t, "peer-1", events[0].PeerID)
		assert.Equal(t, createdAt, events[1].CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("events error", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM room_events").
			WithArgs("room-2", 10).
			WillReturnError(errors.New("connection reset"))

		_, err := journal.Events(ctx, "room-2", 10)
		assert.EqualError(t, err, "connection reset")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
