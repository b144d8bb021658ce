package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/pion/webrtc/v4"
)

// Media acquisition failures. They are never retried automatically: the
// caller decides whether to ask the user for a fix or fall back to audio.
var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrDeviceBusy       = errors.New("media device busy")
	ErrMediaUnknown     = errors.New("media acquisition failed")
)

// Constraints selects which local tracks to capture
type Constraints struct {
	Audio bool
	Video bool
}

// LocalMedia holds captured local tracks
type LocalMedia struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal

	stopOnce sync.Once
	stop     func()
}

// NewLocalMedia wraps tracks; stop releases the devices behind them and may be nil.
func NewLocalMedia(audio, video webrtc.TrackLocal, stop func()) *LocalMedia {
	return &LocalMedia{Audio: audio, Video: video, stop: stop}
}

// Tracks returns the captured tracks, audio first
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if m.Audio != nil {
		out = append(out, m.Audio)
	}
	if m.Video != nil {
		out = append(out, m.Video)
	}
	return out
}

// Stop releases the capture devices. Safe to call more than once.
func (m *LocalMedia) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		if m.stop != nil {
			m.stop()
		}
	})
}

// MediaSource is the "acquire local media" capability
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (*LocalMedia, error)
}

// MediaSourceFunc adapts a function to MediaSource
type MediaSourceFunc func(ctx context.Context, c Constraints) (*LocalMedia, error)

func (f MediaSourceFunc) Acquire(ctx context.Context, c Constraints) (*LocalMedia, error) {
	return f(ctx, c)
}

// ClassifyMediaError maps a capture failure onto one of the media error
// categories. The original error stays in the chain.
func ClassifyMediaError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrDeviceBusy), errors.Is(err, ErrMediaUnknown):
		return err
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV):
		return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: %w", ErrDeviceBusy, err)
	default:
		return fmt.Errorf("%w: %w", ErrMediaUnknown, err)
	}
}

// StaticSource produces sample-fed Opus and VP8 tracks for headless
// participants. Frames are written by the owner through WriteSample.
type StaticSource struct {
	StreamID string
}

func (s StaticSource) Acquire(_ context.Context, c Constraints) (*LocalMedia, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no tracks requested", ErrDeviceNotFound)
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "consult"
	}

	m := &LocalMedia{}
	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID)
		if err != nil {
			return nil, ClassifyMediaError(err)
		}
		m.Audio = track
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			return nil, ClassifyMediaError(err)
		}
		m.Video = track
	}
	return m, nil
}
