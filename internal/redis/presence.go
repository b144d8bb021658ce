package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence mirrors call membership into Redis sets so the CRUD layer can
// show who is in a consultation room without talking to the relay.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPresence(client *redis.Client, ttl time.Duration) *Presence {
	return &Presence{client: client, ttl: ttl}
}

func participantsKey(callID string) string {
	return "call:" + callID + ":participants"
}

// Joined adds participantID to the call's set and refreshes its TTL
func (p *Presence) Joined(ctx context.Context, callID, participantID string) error {
	key := participantsKey(callID)
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, key, participantID)
	if p.ttl > 0 {
		pipe.Expire(ctx, key, p.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Left removes participantID; the set disappears with its last member
func (p *Presence) Left(ctx context.Context, callID, participantID string) error {
	return p.client.SRem(ctx, participantsKey(callID), participantID).Err()
}

// Participants lists the mirrored members of callID
func (p *Presence) Participants(ctx context.Context, callID string) ([]string, error) {
	return p.client.SMembers(ctx, participantsKey(callID)).Result()
}
