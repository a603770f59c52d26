// Package rtp parses and builds the G.711 RTP frames exchanged with
// Asterisk ExternalMedia channels. Only μ-law (PT 0) and A-law (PT 8)
// at 8 kHz with 20ms framing are handled; anything else on the wire is
// rejected as an invalid frame.
package rtp

import (
	"errors"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

const (
	// PayloadPCMU is the static RTP payload type for G.711 u-law.
	PayloadPCMU = 0
	// PayloadPCMA is the static RTP payload type for G.711 a-law.
	PayloadPCMA = 8

	// FrameBytes is the payload size of one 20ms G.711 frame at 8 kHz.
	// One byte per sample, 160 samples per frame.
	FrameBytes = 160

	// TimestampIncrement is the RTP timestamp advance per frame
	// (8000 Hz * 0.020 s).
	TimestampIncrement = 160

	// HeaderSize is the fixed RTP header size without CSRCs or extensions.
	HeaderSize = 12

	// ULawSilence is the u-law encoding of zero amplitude.
	ULawSilence = 0xFF
)

// ErrInvalidFrame is returned for datagrams that are not well-formed
// version-2 RTP packets.
var ErrInvalidFrame = errors.New("invalid rtp frame")

// Packet is a parsed RTP datagram.
type Packet struct {
	Marker      bool
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	Payload     []byte
}

// Parse decodes an RTP datagram. It rejects packets shorter than the
// fixed header, packets with a version other than 2, and packets whose
// CSRC list, extension header, or padding length overruns the datagram.
// Padding bytes are stripped from the returned payload.
func Parse(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidFrame, len(data), HeaderSize)
	}
	if v := data[0] >> 6; v != 2 {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidFrame, v)
	}

	var p pionrtp.Packet
	if err := p.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	return &Packet{
		Marker:      p.Marker,
		PayloadType: p.PayloadType,
		Sequence:    p.SequenceNumber,
		Timestamp:   p.Timestamp,
		SSRC:        p.SSRC,
		Payload:     p.Payload,
	}, nil
}

// Marshal serializes the packet with a fixed 12-byte header: version 2,
// no padding, no extension, no CSRCs.
func (p *Packet) Marshal() ([]byte, error) {
	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         p.Marker,
			PayloadType:    p.PayloadType,
			SequenceNumber: p.Sequence,
			Timestamp:      p.Timestamp,
			SSRC:           p.SSRC,
		},
		Payload: p.Payload,
	}
	out, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling rtp packet: %w", err)
	}
	return out, nil
}
