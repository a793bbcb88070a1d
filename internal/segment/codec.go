package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/arkilian/vectordb/pkg/types"
)

// frameHeaderSize is the size of [length:4][checksum:4].
const frameHeaderSize = 8

// encodeBlock serializes rows as [count:4][dim:4] followed by, per row,
// [id:8][dim x float32], all little-endian.
func encodeBlock(vectors [][]float32, ids []int64, dim int) []byte {
	buf := make([]byte, 8, 8+len(vectors)*int(types.RowBytes(dim)))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(vectors)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dim))

	var scratch [8]byte
	for i, v := range vectors {
		binary.LittleEndian.PutUint64(scratch[:], uint64(ids[i]))
		buf = append(buf, scratch[:]...)
		for _, f := range v {
			binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(f))
			buf = append(buf, scratch[:4]...)
		}
	}
	return buf
}

// decodeBlock is the inverse of encodeBlock.
func decodeBlock(payload []byte) ([]types.Row, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("block too short: %d bytes", len(payload))
	}
	count := int(binary.LittleEndian.Uint32(payload[0:4]))
	dim := int(binary.LittleEndian.Uint32(payload[4:8]))
	rowSize := int(types.RowBytes(dim))
	if len(payload) != 8+count*rowSize {
		return nil, fmt.Errorf("block size mismatch: %d rows of dim %d in %d bytes", count, dim, len(payload))
	}

	rows := make([]types.Row, count)
	off := 8
	for i := range rows {
		rows[i].ID = int64(binary.LittleEndian.Uint64(payload[off:]))
		off += 8
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
			off += 4
		}
		rows[i].Vector = vec
	}
	return rows, nil
}

// frame compresses a block and prepends the frame header.
func frame(block []byte) []byte {
	body := snappy.Encode(nil, block)
	out := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(out[4:8], murmur3.Sum32(body))
	copy(out[frameHeaderSize:], body)
	return out
}

// readFrames decodes every complete frame from r. A torn or corrupt trailing
// frame ends the scan without error.
func readFrames(r io.Reader) ([]types.Row, error) {
	var rows []types.Row
	var header [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return rows, nil
			}
			return nil, err
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		checksum := binary.LittleEndian.Uint32(header[4:8])

		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Truncated write - stop reading
				return rows, nil
			}
			return nil, err
		}
		if murmur3.Sum32(body) != checksum {
			return rows, nil
		}

		block, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress block: %w", err)
		}
		decoded, err := decodeBlock(block)
		if err != nil {
			return nil, err
		}
		rows = append(rows, decoded...)
	}
}
