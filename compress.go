package drivebucket

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// lz4Magic is the lz4 frame magic number, used to sniff whether stored data
// was written compressed. A container can therefore switch compression on
// or off and still read everything it stored before.
var lz4Magic = []byte{0x04, 0x22, 0x4d, 0x18}

func compressBody(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress object data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress object data: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressBody(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, lz4Magic) {
		return data, nil
	}
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress object data: %w", err)
	}
	return out, nil
}
