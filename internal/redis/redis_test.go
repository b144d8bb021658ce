package redis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/models"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	client, err := Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	defer client.Close()

	mr.Close()
	_, err = Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	assert.Error(t, err)
}

func TestPresenceMirrorsMembership(t *testing.T) {
	mr, client := newTestClient(t)
	p := NewPresence(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, p.Joined(ctx, "appt-42", "doc1"))
	require.NoError(t, p.Joined(ctx, "appt-42", "pat1"))

	members, err := p.Participants(ctx, "appt-42")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc1", "pat1"}, members)
	assert.Equal(t, time.Hour, mr.TTL("call:appt-42:participants"))

	require.NoError(t, p.Left(ctx, "appt-42", "doc1"))
	require.NoError(t, p.Left(ctx, "appt-42", "pat1"))
	assert.False(t, mr.Exists("call:appt-42:participants"))
}

func TestEventsRoundTripThroughStream(t *testing.T) {
	_, client := newTestClient(t)
	e := NewEvents(client, "calls:ended")
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ev := models.CallEnded{
		CallID:    "appt-42",
		CreatedAt: created,
		EndedAt:   created.Add(20 * time.Minute),
		Duration:  20 * time.Minute,
		Participants: []models.ParticipantInfo{
			{ParticipantID: "doc1", Role: models.RoleDoctor},
			{ParticipantID: "pat1", Role: models.RolePatient},
		},
		Reason: models.EndReasonLeft,
	}
	require.NoError(t, e.CallEnded(ctx, ev))

	got, err := e.Read(ctx, "0", 10, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "appt-42", got[0].Event.CallID)
	assert.Equal(t, 20*time.Minute, got[0].Event.Duration)
	assert.Len(t, got[0].Event.Participants, 2)

	again, err := e.Read(ctx, got[0].ID, 10, -1)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestReadMarksUndecodableEntries(t *testing.T) {
	_, client := newTestClient(t)
	e := NewEvents(client, "calls:ended")
	ctx := context.Background()

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "calls:ended",
		Values: map[string]any{"event": "{not json"},
	}).Err())
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "calls:ended",
		Values: map[string]any{"callId": "appt-1"},
	}).Err())
	require.NoError(t, e.CallEnded(ctx, models.CallEnded{CallID: "appt-2", Reason: models.EndReasonLeft}))

	got, err := e.Read(ctx, "0", 10, -1)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.ErrorContains(t, got[0].Err, "decode stream entry")
	assert.ErrorContains(t, got[1].Err, "has no")
	assert.NoError(t, got[2].Err)
	assert.Equal(t, "appt-2", got[2].Event.CallID)
}
