package rtp

import "math/rand/v2"

// Sequencer produces the egress packet stream for one endpoint: a fixed
// random SSRC with sequence and timestamp advancing monotonically per
// frame. Sequence wraps mod 2^16 and timestamp mod 2^32 by unsigned
// arithmetic. Not safe for concurrent use; each endpoint owns one.
type Sequencer struct {
	payloadType uint8
	ssrc        uint32
	seq         uint16
	ts          uint32
}

// NewSequencer creates a sequencer for the given payload type with
// random SSRC and random initial sequence/timestamp.
func NewSequencer(payloadType uint8) *Sequencer {
	return &Sequencer{
		payloadType: payloadType,
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.UintN(1 << 16)),
		ts:          rand.Uint32(),
	}
}

// Next builds the next packet in the stream for the given payload.
// The timestamp advances by the payload sample count (one sample per
// byte for G.711).
func (s *Sequencer) Next(payload []byte) *Packet {
	p := &Packet{
		PayloadType: s.payloadType,
		Sequence:    s.seq,
		Timestamp:   s.ts,
		SSRC:        s.ssrc,
		Payload:     payload,
	}
	s.seq++
	s.ts += uint32(len(payload))
	return p
}

// SSRC returns the stream's synchronization source identifier.
func (s *Sequencer) SSRC() uint32 { return s.ssrc }
