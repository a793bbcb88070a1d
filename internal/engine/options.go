package engine

import (
	"github.com/arkilian/vectordb/internal/index"
	"github.com/arkilian/vectordb/internal/logging"
	"github.com/arkilian/vectordb/internal/storage"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger   *logging.Logger
	archive  storage.Archive
	registry *index.Registry
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithArchive sets the object storage tier retired segments are copied to.
func WithArchive(s storage.Archive) Option {
	return func(o *options) {
		o.archive = s
	}
}

// WithRegistry replaces the index backends.
func WithRegistry(r *index.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}
