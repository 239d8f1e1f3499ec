package call

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/logging"
)

// TrackSender swaps the outgoing track; a nil track sends silence/black.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// DataChannel is the side channel carrying system messages.
type DataChannel interface {
	Label() string
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	SendText(s string) error
	ReadyState() webrtc.DataChannelState
	Close() error
}

// PeerConnection is the subset of *webrtc.PeerConnection a session drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)
	OnDataChannel(f func(DataChannel))
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnNegotiationNeeded(f func())
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// PeerFactory creates a peer connection per session.
type PeerFactory func(cfg webrtc.Configuration) (PeerConnection, error)

type pionPeer struct {
	*webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (p *pionPeer) CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := p.PeerConnection.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *pionPeer) OnDataChannel(f func(DataChannel)) {
	p.PeerConnection.OnDataChannel(func(dc *webrtc.DataChannel) { f(dc) })
}

// NewPeerFactory creates pion peer connections from api.
func NewPeerFactory(api *webrtc.API) PeerFactory {
	return func(cfg webrtc.Configuration) (PeerConnection, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionPeer{pc}, nil
	}
}

// CodecRegistrar is implemented by capture backends that encode with a
// fixed set of codecs.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// NewAPI builds a pion API with the capture codecs, the default
// interceptors, ICE timeouts from cfg and pion logging routed to logger.
func NewAPI(codecs CodecRegistrar, cfg config.CallConfig, logger zerolog.Logger) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	var err error
	if codecs != nil {
		err = codecs.RegisterCodecs(mediaEngine)
	} else {
		err = mediaEngine.RegisterDefaultCodecs()
	}
	if err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: logging.NewPionFactory(logger)}
	se.SetICETimeouts(cfg.ICEDisconnected, cfg.ICEFailed, cfg.ICEKeepalive)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}
