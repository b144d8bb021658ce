package client

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are the public STUN servers the web client uses
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// TrackSender can swap the track it is sending. *webrtc.RTPSender satisfies it.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Peer is a peer connection as the Call drives it
type Peer interface {
	PeerConnection
	AddLocalTrack(track webrtc.TrackLocal) (TrackSender, error)
	OnLocalCandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(webrtc.PeerConnectionState))
	OnRemoteTrack(func(*webrtc.TrackRemote))
	Close() error
}

// NewAPI builds a webrtc.API with the default codecs and interceptors
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}

// PionPeer adapts *webrtc.PeerConnection to Peer
type PionPeer struct {
	pc *webrtc.PeerConnection
}

// NewPionPeer opens a peer connection; nil iceServers selects DefaultICEServers
func NewPionPeer(api *webrtc.API, iceServers []webrtc.ICEServer) (*PionPeer, error) {
	if iceServers == nil {
		iceServers = DefaultICEServers
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return &PionPeer{pc: pc}, nil
}

// PionPeerFactory returns a factory opening a new PionPeer per negotiation
func PionPeerFactory(api *webrtc.API, iceServers []webrtc.ICEServer) func() (Peer, error) {
	return func() (Peer, error) {
		return NewPionPeer(api, iceServers)
	}
}

// PeerConnection exposes the wrapped connection
func (p *PionPeer) PeerConnection() *webrtc.PeerConnection { return p.pc }

func (p *PionPeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (p *PionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *PionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *PionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *PionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *PionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *PionPeer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *PionPeer) AddLocalTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	// Read incoming RTCP packets so interceptors can process them
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (p *PionPeer) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *PionPeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *PionPeer) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}
