// Package index implements the vector index backends used to build and
// search index artifacts for closed segments.
//
// A backend turns a segment's rows into an opaque, self-describing artifact
// and loads artifacts back into searchers. The engine stores artifacts
// without interpreting them.
package index

import (
	"context"
	"fmt"
	"sync"

	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/pkg/types"
)

// DefaultNProbe is the number of inverted lists probed when a search does
// not specify one.
const DefaultNProbe = 16

// Backend builds and loads one index type.
type Backend interface {
	// Type returns the index type this backend produces.
	Type() types.IndexType

	// Build indexes rows of the given dimension and returns the encoded artifact.
	Build(ctx context.Context, rows []types.Row, dim int, param types.IndexParam, metric types.MetricType) ([]byte, error)

	// Load decodes an artifact produced by Build.
	Load(data []byte) (Searcher, error)
}

// Searcher answers top-k queries over a loaded index.
type Searcher interface {
	Type() types.IndexType
	Metric() types.MetricType
	Dim() int

	// Len returns the number of indexed vectors.
	Len() int

	// MemoryBytes estimates the resident size of the loaded index.
	MemoryBytes() int64

	// Search returns up to k hits per query, best first.
	Search(queries [][]float32, k int, param types.SearchParam) ([][]types.Hit, error)
}

// Registry maps index types to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[types.IndexType]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[types.IndexType]Backend)}
}

// DefaultRegistry returns a registry with the FLAT, IVF_FLAT and IVF_SQ8
// backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewFlat())
	r.Register(NewIVF(false))
	r.Register(NewIVF(true))
	return r
}

// Register adds or replaces the backend for its type.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Type()] = b
}

// Get returns the backend for t.
func (r *Registry) Get(t types.IndexType) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[t]
	if !ok {
		return nil, engerrors.InvalidArgument("index: no backend for index type %q", t)
	}
	return b, nil
}

// Build dispatches to the backend named by param.Type.
func (r *Registry) Build(ctx context.Context, rows []types.Row, dim int, param types.IndexParam, metric types.MetricType) ([]byte, error) {
	param = param.Normalize()
	b, err := r.Get(param.Type)
	if err != nil {
		return nil, err
	}
	return b.Build(ctx, rows, dim, param, metric)
}

// Load reads the artifact header and dispatches to the matching backend.
func (r *Registry) Load(data []byte) (Searcher, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	b, err := r.Get(h.Type)
	if err != nil {
		return nil, err
	}
	return b.Load(data)
}

func checkQueries(queries [][]float32, dim int) error {
	for i, q := range queries {
		if len(q) != dim {
			return engerrors.DimensionMismatch(dim, len(q)).WithDetails(map[string]interface{}{"query": i})
		}
	}
	return nil
}

func checkRows(rows []types.Row, dim int) error {
	if dim <= 0 {
		return engerrors.InvalidArgument("index: dimension must be positive, got %d", dim)
	}
	for _, r := range rows {
		if len(r.Vector) != dim {
			return engerrors.NewBuildError(fmt.Sprintf("index: row %d has dimension %d, want %d", r.ID, len(r.Vector), dim), nil)
		}
	}
	return nil
}
