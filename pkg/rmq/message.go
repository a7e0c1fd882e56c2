package rmq

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

// Compression names the codec a message's body was compressed with, set by
// the broker and decoded by MQClient onto the Message. Decompression is a
// client-side payload transform applied by the pull worker after tag
// filtering, to the messages about to be delivered; it is not part of the
// out-of-scope wire/header decode.
type Compression uint8

const (
	// CompressionNone means Body is the literal message payload.
	CompressionNone Compression = iota
	// CompressionZlib means Body must be inflated with zlib.
	CompressionZlib
	// CompressionLZ4 means Body must be decompressed with lz4.
	CompressionLZ4
)

// Message is a single decoded message handed back by MQClient inside a
// PullResult. Wire decoding (bytes -> Message) happens in MQClient, out of
// scope for this module; Body may still require client-side decompression,
// which this module's pull worker performs via DecodeBody below.
type Message struct {
	Topic       string
	QueueID     int32
	QueueOffset int64
	Tags        string
	Body        []byte
	Compression Compression
}

// DecodeBody returns the message's body, decompressing it first if
// Compression names a non-trivial codec. The returned slice is always safe
// for the caller to retain.
func (m *Message) DecodeBody() ([]byte, error) {
	switch m.Compression {
	case CompressionNone:
		return m.Body, nil
	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(m.Body))
		if err != nil {
			return nil, fmt.Errorf("rmq: zlib decompress: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("rmq: zlib decompress: %w", err)
		}
		return out, nil
	case CompressionLZ4:
		zr := lz4.NewReader(bytes.NewReader(m.Body))
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("rmq: lz4 decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("rmq: unknown body compression %d", m.Compression)
	}
}
