package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	opus "gopkg.in/hraban/opus.v2"
)

// Codec identifies how a peer packages its inbound audio frames.
type Codec string

const (
	// CodecPCM is raw little-endian PCM16 frames.
	CodecPCM Codec = "pcm"

	// CodecRTP is RTP packets carrying PCM16 payloads.
	CodecRTP Codec = "rtp"

	// CodecOpus is RTP packets carrying Opus payloads.
	CodecOpus Codec = "opus"
)

var ErrUnknownCodec = errors.New("gateway: unknown codec")

// decoder turns one inbound websocket frame into PCM16 bytes.
// Decoders are per-connection and not safe for concurrent use.
type decoder interface {
	decode(frame []byte) ([]byte, error)
}

func newDecoder(codec Codec) (decoder, error) {
	switch codec {
	case CodecPCM, "":
		return pcmDecoder{}, nil
	case CodecRTP:
		return &rtpDecoder{}, nil
	case CodecOpus:
		dec, err := opus.NewDecoder(48000, 1)
		if err != nil {
			return nil, fmt.Errorf("gateway: opus decoder: %w", err)
		}
		return &opusDecoder{
			dec: dec,
			// Max 120ms at 48kHz.
			pcm: make([]int16, 5760),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
}

type pcmDecoder struct{}

func (pcmDecoder) decode(frame []byte) ([]byte, error) {
	if len(frame)%2 != 0 {
		return nil, fmt.Errorf("gateway: odd pcm frame length %d", len(frame))
	}
	return frame, nil
}

type rtpDecoder struct {
	pkt rtp.Packet
}

func (d *rtpDecoder) decode(frame []byte) ([]byte, error) {
	if err := d.pkt.Unmarshal(frame); err != nil {
		return nil, fmt.Errorf("gateway: rtp unmarshal: %w", err)
	}
	if len(d.pkt.Payload)%2 != 0 {
		return nil, fmt.Errorf("gateway: odd rtp payload length %d", len(d.pkt.Payload))
	}
	return d.pkt.Payload, nil
}

type opusDecoder struct {
	pkt rtp.Packet
	dec *opus.Decoder
	pcm []int16
}

func (d *opusDecoder) decode(frame []byte) ([]byte, error) {
	if err := d.pkt.Unmarshal(frame); err != nil {
		return nil, fmt.Errorf("gateway: rtp unmarshal: %w", err)
	}
	n, err := d.dec.Decode(d.pkt.Payload, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("gateway: opus decode: %w", err)
	}
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(d.pcm[i]))
	}
	return out, nil
}
