package types

import (
	"testing"
	"time"
)

func TestTableSchema_Validate(t *testing.T) {
	tests := []struct {
		name    string
		schema  TableSchema
		wantErr bool
	}{
		{"valid", TableSchema{Name: "vectors_1", Dimension: 128, IndexFileSize: 1 << 20, Metric: MetricL2, Index: DefaultIndexParam()}, false},
		{"bad name", TableSchema{Name: "1bad", Dimension: 4, IndexFileSize: 1, Metric: MetricL2, Index: DefaultIndexParam()}, true},
		{"zero dimension", TableSchema{Name: "t", Dimension: 0, IndexFileSize: 1, Metric: MetricL2, Index: DefaultIndexParam()}, true},
		{"huge dimension", TableSchema{Name: "t", Dimension: MaxDimension + 1, IndexFileSize: 1, Metric: MetricL2, Index: DefaultIndexParam()}, true},
		{"bad metric", TableSchema{Name: "t", Dimension: 4, IndexFileSize: 1, Metric: 7, Index: DefaultIndexParam()}, true},
		{"bad index", TableSchema{Name: "t", Dimension: 4, IndexFileSize: 1, Metric: MetricIP, Index: IndexParam{Type: "HNSW"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTableSchema_Normalize(t *testing.T) {
	s := TableSchema{Name: "t", Dimension: 8}
	s.Normalize()
	if s.IndexFileSize != DefaultIndexFileSize {
		t.Errorf("expected default index file size, got %d", s.IndexFileSize)
	}
	if s.Metric != MetricL2 {
		t.Errorf("expected L2 metric, got %s", s.Metric)
	}
	if s.Index.Type != IndexFlat || s.Index.NList != DefaultNList {
		t.Errorf("unexpected index param %+v", s.Index)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("normalized schema should validate: %v", err)
	}
}

func TestParseIndexType(t *testing.T) {
	tests := map[string]IndexType{
		"flat":     IndexFlat,
		"IDMAP":    IndexFlat,
		"ivf_flat": IndexIVFFlat,
		"IVFSQ8":   IndexIVFSQ8,
	}
	for in, want := range tests {
		got, err := ParseIndexType(in)
		if err != nil {
			t.Fatalf("ParseIndexType(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseIndexType(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseIndexType("annoy"); err == nil {
		t.Error("expected error for unknown index type")
	}
}

func TestMetricType_Ranks(t *testing.T) {
	near := Hit{ID: 5, Distance: 0.1}
	far := Hit{ID: 1, Distance: 0.9}
	tie := Hit{ID: 2, Distance: 0.1}

	if !MetricL2.Ranks(near, far) {
		t.Error("L2 should rank smaller distance first")
	}
	if !MetricIP.Ranks(far, near) {
		t.Error("IP should rank larger score first")
	}
	if !MetricL2.Ranks(tie, near) || !MetricIP.Ranks(tie, near) {
		t.Error("ties should rank lower ID first")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SegmentState
		want     bool
	}{
		{StateRaw, StateToIndex, true},
		{StateToIndex, StateBuilding, true},
		{StateBuilding, StateIndexed, true},
		{StateBuilding, StateToIndex, true},
		{StateIndexed, StateBackup, true},
		{StateRaw, StateToDelete, true},
		{StateBackup, StateToDelete, true},
		{StateIndexed, StateRaw, false},
		{StateToIndex, StateRaw, false},
		{StateRaw, StateIndexed, false},
		{StateToDelete, StateRaw, false},
		{StateRaw, StateRaw, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTimeRange(t *testing.T) {
	r, err := ParseRange("2026-10-18", "2026-10-20")
	if err != nil {
		t.Fatalf("ParseRange: %v", err)
	}
	if r.Start != "20261018" || r.End != "20261020" {
		t.Fatalf("unexpected range %+v", r)
	}
	if !r.Contains("20261018") || !r.Contains("20261019") {
		t.Error("range should contain its first two days")
	}
	if r.Contains("20261020") || r.Contains("20261017") {
		t.Error("range end is exclusive and start is inclusive")
	}

	if _, err := ParseRange("2026-10-20", "2026-10-18"); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, err := ParseRange("2026/10/18", ""); err == nil {
		t.Error("expected error for malformed date")
	}

	if !InRanges("20200101", nil) {
		t.Error("no ranges should match every partition")
	}
}

func TestPartitionFor(t *testing.T) {
	ts := time.Date(2026, 10, 18, 23, 59, 0, 0, time.FixedZone("X", -3*3600))
	if got := PartitionFor(ts); got != "20261019" {
		t.Errorf("expected UTC partition 20261019, got %s", got)
	}

	day := DayRange(ts)
	if !day.Contains("20261019") || day.Contains("20261020") {
		t.Errorf("unexpected day range %+v", day)
	}

	back, err := PartitionTime("20261019")
	if err != nil {
		t.Fatalf("PartitionTime: %v", err)
	}
	if back.Day() != 19 || back.Location() != time.UTC {
		t.Errorf("unexpected partition time %v", back)
	}
}
