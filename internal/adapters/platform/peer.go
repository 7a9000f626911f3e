package platform

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/domain"
)

var ErrPeerClosed = errors.New("peer closed")

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Peer is the media leg towards the platform. The session side always offers;
// the platform answers over the control socket.
type Peer struct {
	pc   *webrtc.PeerConnection
	user domain.UserID

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
	closed  bool

	onFailed func()
}

func NewPeer(cfg webrtc.Configuration, user domain.UserID) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Peer{pc: pc, user: user, senders: make(map[string]*webrtc.RTPSender)}, nil
}

// Start installs the state callbacks. onFailed fires at most once, when the
// peer connection reaches the failed state before Close.
func (p *Peer) Start(onFailed func()) {
	p.onFailed = onFailed
	var once sync.Once

	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "platform").Str("user", string(p.user)).Str("ice_state", s.String()).Msg("ICE state")
	})

	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "platform").Str("user", string(p.user)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s != webrtc.PeerConnectionStateFailed {
			return
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if !closed && p.onFailed != nil {
			once.Do(p.onFailed)
		}
	})
}

// SetTracks makes the senders match tracks and reports whether anything
// changed, in which case the caller must renegotiate.
func (p *Peer) SetTracks(tracks []*webrtc.TrackLocalStaticRTP) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrPeerClosed
	}

	want := make(map[string]*webrtc.TrackLocalStaticRTP, len(tracks))
	for _, t := range tracks {
		want[t.ID()] = t
	}

	changed := false
	for id, sender := range p.senders {
		if _, ok := want[id]; ok {
			continue
		}
		if err := p.pc.RemoveTrack(sender); err != nil {
			return changed, err
		}
		delete(p.senders, id)
		changed = true
	}
	for id, t := range want {
		if _, ok := p.senders[id]; ok {
			continue
		}
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			return changed, err
		}
		p.senders[id] = sender
		changed = true
	}
	return changed, nil
}

func (p *Peer) Senders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.senders)
}

// CreateOffer sets and returns a local offer with all candidates gathered.
func (p *Peer) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return p.pc.LocalDescription(), nil
}

func (p *Peer) ApplyAnswer(answer webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(answer)
}

func (p *Peer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(ci)
}

func (p *Peer) Stats() domain.NetworkStats {
	s, _ := summarize(p.pc.GetStats())
	return s
}

func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.senders = make(map[string]*webrtc.RTPSender)
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "platform").Str("user", string(p.user)).Msg("peer close error")
	} else {
		log.Info().Str("module", "platform").Str("user", string(p.user)).Msg("peer closed")
	}
}
