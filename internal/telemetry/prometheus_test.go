package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRequestHandled(t *testing.T) {
	RequestHandled("join-room", "", time.Millisecond)
	RequestHandled("join-room", "room_not_found", time.Millisecond)
	RequestHandled("join-room", "room_not_found", time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(SignalingRequestCounter.WithLabelValues("join-room", "success", "")))
	assert.Equal(t, float64(2), testutil.ToFloat64(SignalingRequestCounter.WithLabelValues("join-room", "error", "room_not_found")))
}

func TestRoomStats(t *testing.T) {
	SetRoomStats(2, 5)

	assert.Equal(t, float64(2), testutil.ToFloat64(promRoomsTotal))
	assert.Equal(t, float64(5), testutil.ToFloat64(promPeersTotal))

	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	assert.Equal(t, float64(1), testutil.ToFloat64(promConnectionsTotal))
}
