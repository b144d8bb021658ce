package reports

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/mossy-p/consult-signaling/internal/redis"
)

// EventSource yields call-ended events after a stream position
type EventSource interface {
	Read(ctx context.Context, lastID string, count int64, block time.Duration) ([]redis.StreamEvent, error)
}

// Consumer copies call-ended events from the stream into the store
type Consumer struct {
	source EventSource
	store  *Store
	log    logr.Logger

	// Block is how long one read waits for new events
	Block time.Duration
	// Backoff is the pause after a failed read
	Backoff time.Duration
	Batch   int64
}

func NewConsumer(source EventSource, store *Store, log logr.Logger) *Consumer {
	return &Consumer{
		source:  source,
		store:   store,
		log:     log.WithName("reports"),
		Block:   5 * time.Second,
		Backoff: time.Second,
		Batch:   100,
	}
}

// Run consumes until ctx is cancelled, resuming after the newest stored entry
func (c *Consumer) Run(ctx context.Context) error {
	lastID, err := c.store.LastStreamID(ctx)
	if err != nil {
		return err
	}
	c.log.Info("consuming call events", "from", lastID)

	for {
		next, err := c.Poll(ctx, lastID)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Error(err, "read call events failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.Backoff):
			}
		}
		lastID = next
	}
}

// Poll stores one batch read after lastID and returns the new position
func (c *Consumer) Poll(ctx context.Context, lastID string) (string, error) {
	events, err := c.source.Read(ctx, lastID, c.Batch, c.Block)
	for _, se := range events {
		if se.Err != nil {
			// redelivering it would fail the same way
			c.log.Error(se.Err, "skipping undecodable call event", "id", se.ID)
			lastID = se.ID
			continue
		}
		if serr := c.store.Save(ctx, FromEvent(se.ID, se.Event)); serr != nil {
			return lastID, errors.Join(err, serr)
		}
		lastID = se.ID
		c.log.V(1).Info("report stored", "callId", se.Event.CallID, "duration", se.Event.Duration.String())
	}
	return lastID, err
}
