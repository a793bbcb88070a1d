package types

import (
	"fmt"
	"time"
)

// SegmentState is the lifecycle state of a segment.
// States are ordered; transitions only move forward, except that any state
// may move to ToDelete and a failed build requeues Building to ToIndex.
type SegmentState int

const (
	// StateRaw is the current, append-only segment of a (table, partition).
	StateRaw SegmentState = iota + 1
	// StateToIndex is closed for appends and waiting for an index build.
	StateToIndex
	// StateBuilding has an index build in progress.
	StateBuilding
	// StateIndexed has a completed index artifact.
	StateIndexed
	// StateBackup has been copied to the archive tier.
	StateBackup
	// StateToDelete is awaiting physical removal.
	StateToDelete
)

// AllStates lists every segment state in lifecycle order.
var AllStates = []SegmentState{StateRaw, StateToIndex, StateBuilding, StateIndexed, StateBackup, StateToDelete}

// String returns the state name.
func (s SegmentState) String() string {
	switch s {
	case StateRaw:
		return "RAW"
	case StateToIndex:
		return "TO_INDEX"
	case StateBuilding:
		return "BUILDING"
	case StateIndexed:
		return "INDEXED"
	case StateBackup:
		return "BACKUP"
	case StateToDelete:
		return "TO_DELETE"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Valid reports whether s is a known state.
func (s SegmentState) Valid() bool {
	return s >= StateRaw && s <= StateToDelete
}

// HasIndex reports whether segments in this state are searched through
// their index artifact. Other searchable states are scanned by brute force.
func (s SegmentState) HasIndex() bool {
	return s == StateIndexed || s == StateBackup
}

// Searchable reports whether segments in this state contribute to queries.
func (s SegmentState) Searchable() bool {
	return s.Valid() && s != StateToDelete
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to SegmentState) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if to == StateToDelete {
		return true
	}
	if from == StateBuilding && to == StateToIndex {
		return true
	}
	switch from {
	case StateRaw:
		return to == StateToIndex
	case StateToIndex:
		return to == StateBuilding
	case StateBuilding:
		return to == StateIndexed
	case StateIndexed:
		return to == StateBackup
	}
	return false
}

// SearchableStates lists the states that contribute to query results.
func SearchableStates() []SegmentState {
	return []SegmentState{StateRaw, StateToIndex, StateBuilding, StateIndexed, StateBackup}
}

// SegmentRecord is the catalog row for one segment.
type SegmentRecord struct {
	// ID is the catalog-assigned segment identifier
	ID int64 `json:"id"`

	// TableID and TableName identify the owning table
	TableID   int64  `json:"table_id"`
	TableName string `json:"table_name"`

	// Partition is the YYYYMMDD UTC day of the rows in this segment
	Partition string `json:"partition"`

	State SegmentState `json:"state"`

	// RowCount and SizeBytes grow while the segment is Raw and are frozen afterwards
	RowCount  int64 `json:"row_count"`
	SizeBytes int64 `json:"size_bytes"`

	// RawPath is the append-only raw file, relative to the store root
	RawPath string `json:"raw_path"`

	// IndexPath is the index artifact, empty until Indexed
	IndexPath string `json:"index_path,omitempty"`

	// IndexType is the backend the artifact was built with
	IndexType IndexType `json:"index_type,omitempty"`
	IndexSize int64     `json:"index_size,omitempty"`

	// BuildAttempts counts failed index builds
	BuildAttempts int `json:"build_attempts"`

	// Failed is set once BuildAttempts reaches the scheduler's limit
	Failed bool `json:"failed"`

	CreatedAt time.Time  `json:"created_at"`
	IndexedAt *time.Time `json:"indexed_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}
