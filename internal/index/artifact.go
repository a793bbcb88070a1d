package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/spaolacci/murmur3"

	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/pkg/types"
)

// Artifact layout:
//
//	[magic:4 "VIDX"][version:1][type:1][metric:1][reserved:1]
//	[rawLen:4][checksum:4][zstd(payload)]
//
// The checksum covers the compressed payload.
const (
	artifactMagic      = "VIDX"
	artifactVersion    = 1
	artifactHeaderSize = 16
)

var typeCodes = map[types.IndexType]byte{
	types.IndexFlat:    1,
	types.IndexIVFFlat: 2,
	types.IndexIVFSQ8:  3,
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Header describes an encoded artifact.
type Header struct {
	Type   types.IndexType
	Metric types.MetricType
}

func encodeArtifact(t types.IndexType, metric types.MetricType, payload []byte) []byte {
	enc := getZstdEncoder()
	compressed := enc.EncodeAll(payload, make([]byte, artifactHeaderSize, artifactHeaderSize+len(payload)/2))
	zstdEncoderPool.Put(enc)

	copy(compressed[0:4], artifactMagic)
	compressed[4] = artifactVersion
	compressed[5] = typeCodes[t]
	compressed[6] = byte(metric)
	compressed[7] = 0
	binary.LittleEndian.PutUint32(compressed[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(compressed[12:16], murmur3.Sum32(compressed[artifactHeaderSize:]))
	return compressed
}

// ReadHeader parses and validates the artifact header.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < artifactHeaderSize || string(data[0:4]) != artifactMagic {
		return Header{}, corrupted("bad artifact magic", nil)
	}
	if data[4] != artifactVersion {
		return Header{}, corrupted(fmt.Sprintf("unsupported artifact version %d", data[4]), nil)
	}
	var h Header
	for t, code := range typeCodes {
		if code == data[5] {
			h.Type = t
		}
	}
	if h.Type == "" {
		return Header{}, corrupted(fmt.Sprintf("unknown index type code %d", data[5]), nil)
	}
	h.Metric = types.MetricType(data[6])
	if !h.Metric.Valid() {
		return Header{}, corrupted(fmt.Sprintf("unknown metric %d", data[6]), nil)
	}
	return h, nil
}

func decodeArtifact(data []byte, want types.IndexType) (Header, []byte, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Type != want {
		return Header{}, nil, corrupted(fmt.Sprintf("artifact holds %s, expected %s", h.Type, want), nil)
	}
	body := data[artifactHeaderSize:]
	if murmur3.Sum32(body) != binary.LittleEndian.Uint32(data[12:16]) {
		return Header{}, nil, corrupted("artifact checksum mismatch", nil)
	}

	rawLen := binary.LittleEndian.Uint32(data[8:12])
	dec := getZstdDecoder()
	payload, err := dec.DecodeAll(body, make([]byte, 0, rawLen))
	zstdDecoderPool.Put(dec)
	if err != nil {
		return Header{}, nil, corrupted("failed to decompress artifact", err)
	}
	if uint32(len(payload)) != rawLen {
		return Header{}, nil, corrupted("artifact length mismatch", nil)
	}
	return h, payload, nil
}

func corrupted(msg string, cause error) error {
	return engerrors.NewStorageError(engerrors.CodeCorrupted, "index: "+msg, cause)
}

// payloadWriter appends little-endian fields.
type payloadWriter struct {
	buf []byte
}

func (w *payloadWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *payloadWriter) i64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

func (w *payloadWriter) i64s(vs []int64) {
	for _, v := range vs {
		w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
	}
}

func (w *payloadWriter) f32s(vs []float32) {
	for _, v := range vs {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
	}
}

func (w *payloadWriter) bytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// payloadReader consumes little-endian fields and records the first error.
type payloadReader struct {
	buf []byte
	err error
}

func (r *payloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = corrupted("truncated artifact payload", nil)
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *payloadReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *payloadReader) i64s(n int) []int64 {
	b := r.take(8 * n)
	if b == nil {
		return nil
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out
}

func (r *payloadReader) f32s(n int) []float32 {
	b := r.take(4 * n)
	if b == nil {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func (r *payloadReader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
