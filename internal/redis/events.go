package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

const eventField = "event"

// Events appends call-ended events to a Redis stream
type Events struct {
	client *redis.Client
	stream string
}

func NewEvents(client *redis.Client, stream string) *Events {
	return &Events{client: client, stream: stream}
}

// CallEnded publishes ev to the stream
func (e *Events) CallEnded(ctx context.Context, ev models.CallEnded) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal call ended event: %w", err)
	}
	return e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.stream,
		Values: map[string]any{
			"callId":   ev.CallID,
			eventField: string(data),
		},
	}).Err()
}

// StreamEvent is one stream entry. Err is set when the entry could not be
// decoded; the ID is still valid so readers can move past it.
type StreamEvent struct {
	ID    string
	Event models.CallEnded
	Err   error
}

// Read returns the events after lastID, waiting up to block for new ones; a
// negative block returns immediately. Use "0" to read from the beginning.
func (e *Events) Read(ctx context.Context, lastID string, count int64, block time.Duration) ([]StreamEvent, error) {
	streams, err := e.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{e.stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []StreamEvent
	for _, s := range streams {
		for _, msg := range s.Messages {
			se := StreamEvent{ID: msg.ID}
			raw, ok := msg.Values[eventField].(string)
			if !ok {
				se.Err = fmt.Errorf("stream entry %s has no %q field", msg.ID, eventField)
			} else if err := json.Unmarshal([]byte(raw), &se.Event); err != nil {
				se.Err = fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
			}
			out = append(out, se)
		}
	}
	return out, nil
}
