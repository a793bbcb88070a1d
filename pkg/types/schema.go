// Package types provides core data types for the vectordb table engine.
package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Limits applied to table schemas.
const (
	// MaxDimension is the largest vector dimension a table may declare.
	MaxDimension = 32768

	// DefaultIndexFileSize is the raw segment size (bytes) at which a segment is
	// closed for appends and becomes eligible for index building.
	DefaultIndexFileSize int64 = 1024 * 1024 * 1024

	// DefaultNList is the number of inverted lists used when an IVF index
	// parameter does not specify one.
	DefaultNList = 16384
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,254}$`)

// MetricType selects how vector similarity is measured.
type MetricType int

const (
	// MetricL2 ranks by ascending squared Euclidean distance.
	MetricL2 MetricType = 1
	// MetricIP ranks by descending inner product.
	MetricIP MetricType = 2
)

// String returns the canonical metric name.
func (m MetricType) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricIP:
		return "IP"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// Valid reports whether m is a supported metric.
func (m MetricType) Valid() bool {
	return m == MetricL2 || m == MetricIP
}

// ParseMetricType parses "L2" or "IP" (case-insensitive).
func ParseMetricType(s string) (MetricType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L2":
		return MetricL2, nil
	case "IP":
		return MetricIP, nil
	default:
		return 0, fmt.Errorf("unknown metric type %q", s)
	}
}

// Ranks reports whether hit a is ordered before hit b under the metric:
// ascending distance for L2, descending score for IP, ties broken by the
// lower ID.
func (m MetricType) Ranks(a, b Hit) bool {
	if a.Distance != b.Distance {
		if m == MetricIP {
			return a.Distance > b.Distance
		}
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// IndexType names an index backend.
type IndexType string

const (
	// IndexFlat is an exact, brute-force index.
	IndexFlat IndexType = "FLAT"
	// IndexIVFFlat is an inverted-file index storing full vectors.
	IndexIVFFlat IndexType = "IVF_FLAT"
	// IndexIVFSQ8 is an inverted-file index with 8-bit scalar quantization.
	IndexIVFSQ8 IndexType = "IVF_SQ8"
)

// ParseIndexType normalizes an index type name.
func ParseIndexType(s string) (IndexType, error) {
	switch IndexType(strings.ToUpper(strings.TrimSpace(s))) {
	case IndexFlat, "IDMAP":
		return IndexFlat, nil
	case IndexIVFFlat, "IVFFLAT":
		return IndexIVFFlat, nil
	case IndexIVFSQ8, "IVFSQ8":
		return IndexIVFSQ8, nil
	default:
		return "", fmt.Errorf("unknown index type %q", s)
	}
}

// IndexParam configures index builds for a table.
type IndexParam struct {
	// Type is the index backend used for future builds
	Type IndexType `json:"index_type" yaml:"index_type"`

	// NList is the number of inverted lists for IVF indexes
	NList int `json:"nlist" yaml:"nlist"`
}

// DefaultIndexParam returns the index configuration new tables start with.
func DefaultIndexParam() IndexParam {
	return IndexParam{Type: IndexFlat, NList: DefaultNList}
}

// Normalize fills unset fields with defaults.
func (p IndexParam) Normalize() IndexParam {
	if p.Type == "" {
		p.Type = IndexFlat
	}
	if p.NList <= 0 {
		p.NList = DefaultNList
	}
	return p
}

// SearchParam tunes a single search request.
type SearchParam struct {
	// NProbe is the number of inverted lists scanned by IVF indexes
	NProbe int `json:"nprobe"`
}

// TableSchema describes a table.
type TableSchema struct {
	// ID is the catalog-assigned numeric identifier (used in file paths)
	ID int64 `json:"id"`

	// Name is the unique, immutable table name
	Name string `json:"table_name"`

	// Dimension is the vector dimension, immutable once created
	Dimension int `json:"dimension"`

	// IndexFileSize is the byte size at which a raw segment is closed
	IndexFileSize int64 `json:"index_file_size"`

	// Metric is the similarity metric
	Metric MetricType `json:"metric_type"`

	// Index is the index configuration applied to future builds
	Index IndexParam `json:"index"`

	CreatedAt time.Time `json:"created_at"`
}

// Normalize fills unset optional fields with defaults.
func (s *TableSchema) Normalize() {
	if s.IndexFileSize <= 0 {
		s.IndexFileSize = DefaultIndexFileSize
	}
	if s.Metric == 0 {
		s.Metric = MetricL2
	}
	s.Index = s.Index.Normalize()
}

// Validate checks that the schema is well-formed.
func (s *TableSchema) Validate() error {
	if !tableNamePattern.MatchString(s.Name) {
		return fmt.Errorf("invalid table name %q", s.Name)
	}
	if s.Dimension <= 0 || s.Dimension > MaxDimension {
		return fmt.Errorf("dimension must be between 1 and %d, got %d", MaxDimension, s.Dimension)
	}
	if s.IndexFileSize <= 0 {
		return errors.New("index_file_size must be positive")
	}
	if !s.Metric.Valid() {
		return fmt.Errorf("invalid metric type %d", int(s.Metric))
	}
	if _, err := ParseIndexType(string(s.Index.Type)); err != nil {
		return err
	}
	return nil
}
