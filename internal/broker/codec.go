package broker

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/Guizzs26/go-sync-engine/internal/protocol"
)

const encodingZstd = "zstd"

// FrameCodec turns envelopes into message bodies. Bodies larger than the
// threshold are zstd-compressed; snapshot pages are the usual candidates
type FrameCodec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
}

// NewFrameCodec builds a codec. A threshold <= 0 disables compression
func NewFrameCodec(threshold int) (*FrameCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &FrameCodec{encoder: encoder, decoder: decoder, threshold: threshold}, nil
}

// Encode returns the body and its content encoding ("" for plain JSON)
func (c *FrameCodec) Encode(env protocol.Envelope) ([]byte, string, error) {
	body, err := protocol.Encode(env)
	if err != nil {
		return nil, "", err
	}
	if c.threshold <= 0 || len(body) < c.threshold {
		return body, "", nil
	}
	return c.encoder.EncodeAll(body, make([]byte, 0, len(body)/2)), encodingZstd, nil
}

func (c *FrameCodec) Decode(body []byte, contentEncoding string) (protocol.Envelope, error) {
	switch contentEncoding {
	case "":
	case encodingZstd:
		plain, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return protocol.Envelope{}, fmt.Errorf("decompress frame: %w", err)
		}
		body = plain
	default:
		return protocol.Envelope{}, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
	return protocol.Decode(body)
}
