package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type captureSink struct{ got []Event }

func (s *captureSink) Deliver(_ context.Context, ev Event) error {
	s.got = append(s.got, ev)
	return nil
}

func TestNewEventStampsIdentity(t *testing.T) {
	a := NewEvent(EventBookingConfirmed, 7, 11, "CONFIRMED", "booking confirmed")
	b := NewEvent(EventBookingConfirmed, 7, 11, "CONFIRMED", "booking confirmed")
	assert.NotEmpty(t, a.EventID)
	assert.NotEqual(t, a.EventID, b.EventID)
	assert.False(t, a.OccurredAt.IsZero())
}

func TestRelayHandleDecodesAndDelivers(t *testing.T) {
	sink := &captureSink{}
	r := NewRelay("amqp://unused", "pods.events", "pods.notify", sink, zap.NewNop())

	body, err := json.Marshal(NewEvent(EventBookingCanceled, 7, 11, "CANCELED", "booking expired"))
	require.NoError(t, err)
	require.NoError(t, r.handle(context.Background(), body))
	require.Len(t, sink.got, 1)
	assert.Equal(t, uint64(11), sink.got[0].BookingID)

	assert.Error(t, r.handle(context.Background(), []byte("{")))
	assert.Error(t, r.handle(context.Background(), []byte(`{"booking_id":1}`)), "events need a recipient")
	assert.Len(t, sink.got, 1)
}

func TestLogPublisherWritesFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))

	require.NoError(t, p.Publish(context.Background(), NewEvent(EventBookingCreated, 7, 11, "PENDING", "booking created")))
	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, EventBookingCreated, entries[0].ContextMap()["type"])
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
}
