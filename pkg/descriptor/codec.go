package descriptor

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// Encode serialises a descriptor and zlib-compresses it into the opaque form
// the runtime passes to the launcher.
func Encode(d *Descriptor) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress descriptor: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses and parses an opaque blob. The decompressed bytes are
// returned alongside the descriptor; the launcher keys its call cache on them.
func Decode(opaque []byte) (*Descriptor, []byte, error) {
	serialized, err := Decompress(opaque)
	if err != nil {
		return nil, nil, err
	}
	d, err := Parse(serialized)
	if err != nil {
		return nil, nil, err
	}
	return d, serialized, nil
}

// Parse unmarshals decompressed descriptor bytes and validates them.
func Parse(serialized []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(serialized, &d); err != nil {
		return nil, fmt.Errorf("failed to parse serialized data: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Decompress inflates a zlib stream. The output size is unknown up front, so
// it starts from a guess of five times the compressed length and doubles on a
// short buffer until the whole stream fits.
func Decompress(opaque []byte) ([]byte, error) {
	destLen := 5 * len(opaque)
	if destLen == 0 {
		return nil, fmt.Errorf("failed to uncompress opaque data: empty input")
	}
	for {
		out := make([]byte, destLen)
		zr, err := zlib.NewReader(bytes.NewReader(opaque))
		if err != nil {
			return nil, fmt.Errorf("failed to uncompress opaque data: %w", err)
		}
		n, err := io.ReadFull(zr, out)
		switch err {
		case io.EOF, io.ErrUnexpectedEOF:
			// Stream ended within the buffer.
			if cerr := zr.Close(); cerr != nil {
				return nil, fmt.Errorf("failed to uncompress opaque data: %w", cerr)
			}
			return out[:n], nil
		case nil:
			// Buffer filled exactly; probe for remaining output.
			var probe [1]byte
			m, perr := zr.Read(probe[:])
			if m > 0 {
				destLen *= 2
				continue
			}
			if perr != nil && perr != io.EOF {
				return nil, fmt.Errorf("failed to uncompress opaque data: %w", perr)
			}
			if cerr := zr.Close(); cerr != nil {
				return nil, fmt.Errorf("failed to uncompress opaque data: %w", cerr)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("failed to uncompress opaque data: %w", err)
		}
	}
}
