package store

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

const compressionLevel = 6

// CompressPayload DEFLATEs raw event bytes before they are stored in an
// event_data column (spec §4.3.4).
func CompressPayload(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("create flate writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close flate writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return raw, nil
}
