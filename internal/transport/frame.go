package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// MaxFrameLength bounds a single frame's payload so a malformed or
// malicious length prefix can't make a reader allocate unbounded memory.
const MaxFrameLength = 64 * 1024 * 1024

// WriteFrame writes one `[length][type][flags][payload]` frame to w.
// compress controls whether payload is eligible for Brotli compression
// (only applied above CompressionThreshold, and only when the session
// negotiated it).
func WriteFrame(w io.Writer, msgType MessageType, payload []byte, compress bool) error {
	flags := uint8(0)
	if compress && len(payload) > CompressionThreshold {
		compressed, err := compressPayload(payload)
		if err == nil && len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	header := make([]byte, 6)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = byte(msgType)
	header[5] = flags

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("transport: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r, decompressing the payload if the
// compressed flag is set. A length prefix exceeding MaxFrameLength is a
// protocol violation.
func ReadFrame(r io.Reader) (msgType MessageType, payload []byte, err error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("transport: read frame header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	if length > MaxFrameLength {
		return 0, nil, fmt.Errorf("transport: frame length %d exceeds max %d", length, MaxFrameLength)
	}
	msgType = MessageType(header[4])
	flags := header[5]

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("transport: read frame payload: %w", err)
	}

	if flags&flagCompressed != 0 {
		payload, err = decompressPayload(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("transport: decompress payload: %w", err)
		}
	}

	return msgType, payload, nil
}

func compressPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressPayload(payload []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(payload))
	return io.ReadAll(r)
}

// EncodeRecord gob-encodes v into a payload suitable for WriteFrame.
func EncodeRecord(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("transport: encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRecord gob-decodes payload into v, which must be a pointer.
func DecodeRecord(payload []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("transport: decode record: %w", err)
	}
	return nil
}
