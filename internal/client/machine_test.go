package client

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine() *Machine {
	return NewMachine(MachineConfig{NegotiationTimeout: time.Second, ReconnectTimeout: time.Second})
}

func timerOf(t *testing.T, effects []Effect, kind TimerKind) StartTimer {
	t.Helper()
	for _, e := range effects {
		if st, ok := e.(StartTimer); ok && st.Kind == kind {
			return st
		}
	}
	t.Fatalf("no %v timer in %#v", kind, effects)
	return StartTimer{}
}

func connectedMachine(t *testing.T, initiator bool) *Machine {
	t.Helper()
	m := newTestMachine()
	m.Apply(MediaAcquired{})
	m.Apply(RoomReady{PeerID: "peer", ShouldInitiate: initiator})
	m.Apply(TransportConnected{})
	require.Equal(t, StateConnected, m.State())
	return m
}

func TestMachineHappyPath(t *testing.T) {
	m := newTestMachine()
	assert.Equal(t, StateAcquiringMedia, m.State())

	effects := m.Apply(MediaAcquired{})
	assert.Equal(t, []Effect{AttachLocalMedia{}, AnnounceMedia{}}, effects)
	assert.Equal(t, StateWaitingForPeer, m.State())

	effects = m.Apply(RoomReady{PeerID: "doc1", ShouldInitiate: true})
	assert.Equal(t, StateNegotiating, m.State())
	require.Len(t, effects, 2)
	assert.Equal(t, Negotiate{PeerID: "doc1", Initiator: true}, effects[0])
	assert.Equal(t, time.Second, timerOf(t, effects, TimerNegotiation).After)
	assert.True(t, m.CanOffer())

	assert.Empty(t, m.Apply(TransportConnected{}))
	assert.Equal(t, StateConnected, m.State())

	effects = m.Apply(HangUp{})
	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, []Effect{Teardown{Reason: EndHangUp}}, effects)
	assert.NoError(t, m.Err())
}

func TestMachineBuffersRoomReadyWhileAcquiringMedia(t *testing.T) {
	m := newTestMachine()
	assert.Empty(t, m.Apply(RoomReady{PeerID: "pat1", ShouldInitiate: false}))
	assert.Equal(t, StateAcquiringMedia, m.State())

	effects := m.Apply(MediaAcquired{})
	assert.Equal(t, StateNegotiating, m.State())
	require.Len(t, effects, 4)
	assert.Equal(t, AttachLocalMedia{}, effects[0])
	assert.Equal(t, AnnounceMedia{}, effects[1])
	assert.Equal(t, Negotiate{PeerID: "pat1", Initiator: false}, effects[2])
	assert.False(t, m.CanOffer())
}

func TestMachineMediaFailureIsCategorizedNotRetried(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{fmt.Errorf("open /dev/video0: %w", os.ErrPermission), ErrPermissionDenied},
		{fmt.Errorf("open /dev/video0: %w", os.ErrNotExist), ErrDeviceNotFound},
		{ErrDeviceBusy, ErrDeviceBusy},
		{errors.New("codec exploded"), ErrMediaUnknown},
	}
	for _, tt := range tests {
		m := newTestMachine()
		effects := m.Apply(MediaFailed{Err: tt.err})
		require.Len(t, effects, 1)
		report, ok := effects[0].(ReportError)
		require.True(t, ok)
		assert.ErrorIs(t, report.Err, tt.want)
		assert.Equal(t, StateAcquiringMedia, m.State(), "no automatic retry")
	}
}

func TestMachineSingleRetryThenPeerUnreachable(t *testing.T) {
	m := connectedMachine(t, true)

	effects := m.Apply(TransportDisconnected{})
	assert.Equal(t, StateReconnecting, m.State())
	assert.Contains(t, effects, Effect(RestartICE{Initiator: true}))
	timer := timerOf(t, effects, TimerReconnect)

	// a timer from an earlier phase is ignored
	assert.Empty(t, m.Apply(Timeout{Kind: TimerReconnect, Seq: timer.Seq - 1}))
	assert.Empty(t, m.Apply(TransportDisconnected{}))
	assert.Equal(t, StateReconnecting, m.State())

	effects = m.Apply(Timeout{Kind: TimerReconnect, Seq: timer.Seq})
	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, EndPeerUnreachable, m.EndReason())
	assert.ErrorIs(t, m.Err(), ErrPeerUnreachable)
	require.Len(t, effects, 1)
	assert.Equal(t, EndPeerUnreachable, effects[0].(Teardown).Reason)
}

func TestMachineRecoversAndRetriesAgainLater(t *testing.T) {
	m := connectedMachine(t, false)

	effects := m.Apply(TransportDisconnected{})
	assert.Contains(t, effects, Effect(RestartICE{Initiator: false}))
	timer := timerOf(t, effects, TimerReconnect)

	m.Apply(TransportConnected{})
	assert.Equal(t, StateConnected, m.State())
	// the reconnect timer is stale once connected
	assert.Empty(t, m.Apply(Timeout{Kind: TimerReconnect, Seq: timer.Seq}))

	m.Apply(TransportDisconnected{})
	assert.Equal(t, StateReconnecting, m.State())
}

func TestMachineNegotiationFailureGetsOneRetry(t *testing.T) {
	m := newTestMachine()
	m.Apply(MediaAcquired{})
	effects := m.Apply(RoomReady{PeerID: "doc1", ShouldInitiate: true})
	timer := timerOf(t, effects, TimerNegotiation)

	effects = m.Apply(Timeout{Kind: TimerNegotiation, Seq: timer.Seq})
	assert.Equal(t, StateReconnecting, m.State())
	assert.Contains(t, effects, Effect(RestartICE{Initiator: true}))

	cause := fmt.Errorf("%w: bad sdp", ErrNegotiationFailed)
	effects = m.Apply(NegotiationError{Err: cause})
	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, EndNegotiationFailed, m.EndReason())
	assert.ErrorIs(t, m.Err(), ErrNegotiationFailed)
	assert.Len(t, effects, 1)
}

func TestMachineNegotiationErrorMovesToReconnecting(t *testing.T) {
	m := newTestMachine()
	m.Apply(MediaAcquired{})
	m.Apply(RoomReady{PeerID: "doc1"})

	effects := m.Apply(NegotiationError{Err: ErrNegotiationFailed})
	assert.Equal(t, StateReconnecting, m.State())
	assert.IsType(t, ReportError{}, effects[0])

	m.Apply(TransportConnected{})
	assert.Equal(t, StateConnected, m.State())
}

func TestMachinePeerRejoinRenegotiatesOnFreshConnection(t *testing.T) {
	m := connectedMachine(t, false)

	effects := m.Apply(RoomReady{PeerID: "peer", ShouldInitiate: false})
	assert.Equal(t, StateNegotiating, m.State())
	assert.Equal(t, Negotiate{PeerID: "peer", Initiator: false, Fresh: true}, effects[0])
	for _, e := range effects {
		assert.NotEqual(t, AttachLocalMedia{}, e, "local media is attached once")
	}
}

func TestMachineRenegotiationOnlyWhenConnected(t *testing.T) {
	m := newTestMachine()
	assert.Empty(t, m.Apply(RenegotiationNeeded{}))

	m = connectedMachine(t, true)
	assert.Equal(t, []Effect{Renegotiate{}}, m.Apply(RenegotiationNeeded{}))
	assert.Equal(t, StateConnected, m.State())
}

func TestMachineNonInitiatorAsksForRenegotiation(t *testing.T) {
	m := connectedMachine(t, false)
	assert.False(t, m.CanOffer())

	effects := m.Apply(RenegotiationNeeded{})
	assert.Equal(t, []Effect{RequestRenegotiation{}}, effects)
	assert.NotContains(t, effects, Effect(Renegotiate{}))
	assert.Equal(t, StateConnected, m.State())
}

func TestMachineNegotiationErrorWhileConnectedGetsOneRetry(t *testing.T) {
	m := connectedMachine(t, true)

	cause := fmt.Errorf("%w: renegotiation answer rejected", ErrNegotiationFailed)
	effects := m.Apply(NegotiationError{Err: cause})
	assert.Equal(t, StateReconnecting, m.State())
	require.Len(t, effects, 3)
	assert.IsType(t, ReportError{}, effects[0])
	assert.Equal(t, RestartICE{Initiator: true}, effects[1])
	timer := timerOf(t, effects, TimerReconnect)

	m.Apply(Timeout{Kind: TimerReconnect, Seq: timer.Seq})
	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, EndNegotiationFailed, m.EndReason())
	assert.ErrorIs(t, m.Err(), ErrNegotiationFailed)
}

func TestMachineEndsFromAnyState(t *testing.T) {
	tests := []struct {
		name   string
		event  Event
		reason EndReason
		err    error
	}{
		{"peer left", PeerLeft{}, EndPeerLeft, nil},
		{"terminated", CallTerminated{}, EndTerminated, nil},
		{"transport closed", SignalingClosed{}, EndTransportClosed, nil},
		{"room full", RoomFullRejected{}, EndRoomFull, ErrRoomFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, setup := range []func() *Machine{
				newTestMachine,
				func() *Machine { m := newTestMachine(); m.Apply(MediaAcquired{}); return m },
				func() *Machine { return connectedMachine(t, true) },
			} {
				m := setup()
				effects := m.Apply(tt.event)
				assert.Equal(t, StateEnded, m.State())
				assert.Equal(t, tt.reason, m.EndReason())
				if tt.err == nil {
					assert.NoError(t, m.Err())
				} else {
					assert.ErrorIs(t, m.Err(), tt.err)
				}
				require.Len(t, effects, 1)
				assert.IsType(t, Teardown{}, effects[0])

				// ended is terminal
				assert.Empty(t, m.Apply(RoomReady{PeerID: "x"}))
				assert.Empty(t, m.Apply(HangUp{}))
				assert.Equal(t, tt.reason, m.EndReason())
			}
		})
	}
}
