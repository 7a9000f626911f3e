package capture

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/domain"
)

const (
	DefaultFrameInterval = 20 * time.Millisecond
	rtpMTU               = 1200
)

var (
	// Opus comfort-noise frame, 20ms of silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// VP8 keyframe header for a 16x16 picture.
	vp8Keyframe = []byte{0x50, 0x42, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
)

// payloader is satisfied by the pion codecs payloaders.
type payloader interface {
	Payload(mtu uint16, payload []byte) [][]byte
}

// packetizer turns synthetic frames of one track into RTP packets.
type packetizer struct {
	ssrc        uint32
	payloadType uint8
	step        uint32
	timestamp   uint32
	sequencer   rtp.Sequencer
	payloader   payloader
	frame       []byte
}

func newPacketizer(kind domain.MediaKind, interval time.Duration) *packetizer {
	p := &packetizer{
		ssrc:        rand.Uint32(),
		payloadType: 111,
		timestamp:   rand.Uint32(),
		sequencer:   rtp.NewRandomSequencer(),
		payloader:   &codecs.OpusPayloader{},
		frame:       opusSilence,
	}
	clockRate := uint32(48000)
	if kind == domain.KindVideo {
		clockRate = 90000
		p.payloadType = 96
		p.payloader = &codecs.VP8Payloader{}
		p.frame = vp8Keyframe
	}
	p.step = uint32(int64(clockRate) * interval.Microseconds() / int64(time.Second/time.Microsecond))
	return p
}

// next packetizes one frame. The last packet of a frame carries the marker.
func (p *packetizer) next() []*rtp.Packet {
	payloads := p.payloader.Payload(rtpMTU-12, p.frame)
	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      p.timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
	}
	p.timestamp += p.step
	return packets
}

// pump feeds every track of a handle on a fixed frame interval until stopped.
type pump struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startPump(tracks []*Track, interval time.Duration) *pump {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &pump{cancel: cancel}
	for _, t := range tracks {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, t, newPacketizer(t.Kind(), interval), interval)
		}()
	}
	return p
}

func (p *pump) run(ctx context.Context, t *Track, pk *packetizer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pkt := range pk.next() {
				err := t.Forward(pkt)
				if errors.Is(err, ErrTrackStopped) {
					return
				}
				if err != nil {
					log.Debug().Err(err).Str("module", "capture").Str("track", t.ID()).Msg("forward")
				}
			}
		}
	}
}

func (p *pump) stop() {
	p.cancel()
	p.wg.Wait()
}
