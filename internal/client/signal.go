package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/consult-signaling/internal/models"
)

const signalWriteWait = 10 * time.Second

// Signaler carries envelopes to and from the relay
type Signaler interface {
	Send(env models.Envelope) error
	// Incoming is closed when the connection ends
	Incoming() <-chan models.Envelope
	Close() error
}

// SignalClient is a Signaler over a gorilla WebSocket connection
type SignalClient struct {
	conn     *websocket.Conn
	incoming chan models.Envelope
	log      logr.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var ErrSignalClosed = errors.New("signaling connection closed")

// DialSignal connects to the relay at url. A non-empty token is sent as a
// bearer credential.
func DialSignal(ctx context.Context, url, token string, log logr.Logger) (*SignalClient, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &SignalClient{
		conn:     conn,
		incoming: make(chan models.Envelope, 64),
		log:      log.WithName("signal"),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *SignalClient) readLoop() {
	defer close(s.incoming)
	for {
		var env models.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Error(err, "signaling read failed")
				}
			}
			return
		}
		select {
		case s.incoming <- env:
		case <-s.done:
			return
		}
	}
}

func (s *SignalClient) Incoming() <-chan models.Envelope { return s.incoming }

func (s *SignalClient) Send(env models.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return ErrSignalClosed
	default:
	}
	s.conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
	return s.conn.WriteJSON(env)
}

// Close sends a close frame and releases the connection. Safe to call more
// than once.
func (s *SignalClient) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		close(s.done)
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
