package maintenance

import (
	"strings"
	"testing"
	"time"
)

func TestValidPartitionName_Valid(t *testing.T) {
	name := "route_events_20250115"
	if !validPartitionName.MatchString(name) {
		t.Errorf("expected %q to match validPartitionName regex", name)
	}
}

func TestValidPartitionName_Invalid(t *testing.T) {
	invalid := []string{
		"route_events_abc",
		"other_table_20250115",
		"route_events_2025011",
		"",
	}
	for _, name := range invalid {
		if validPartitionName.MatchString(name) {
			t.Errorf("expected %q to NOT match validPartitionName regex", name)
		}
	}
}

func TestValidPartitionName_InjectionAttempt(t *testing.T) {
	name := "route_events_20250115; DROP TABLE x"
	if validPartitionName.MatchString(name) {
		t.Errorf("expected %q to NOT match validPartitionName regex (SQL injection attempt)", name)
	}
}

func TestPartitionDDL(t *testing.T) {
	from := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	name, ddl := partitionDDL(from, from.AddDate(0, 0, 1))

	if name != "route_events_20250115" {
		t.Errorf("expected route_events_20250115, got %s", name)
	}
	want := `CREATE TABLE IF NOT EXISTS "route_events_20250115" PARTITION OF route_events FOR VALUES FROM ('2025-01-15 00:00:00+00') TO ('2025-01-16 00:00:00+00')`
	if ddl != want {
		t.Errorf("unexpected ddl:\n got %s\nwant %s", ddl, want)
	}
}

func TestPartitionDDL_NonUTCBoundaries(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	from := time.Date(2025, 1, 15, 0, 0, 0, 0, loc)
	_, ddl := partitionDDL(from, from.AddDate(0, 0, 1))

	if !strings.Contains(ddl, "FROM ('2025-01-14 22:00:00+00') TO ('2025-01-15 22:00:00+00')") {
		t.Errorf("expected UTC bounds of the local day, got %s", ddl)
	}
}

func TestRetentionCutoff(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)
	got := retentionCutoff(now, time.UTC, 30)
	want := time.Date(2025, 2, 8, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}

	old, err := partitionDate("route_events_20250207", time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !old.Before(got) {
		t.Error("expected route_events_20250207 to be past retention")
	}
	kept, _ := partitionDate("route_events_20250208", time.UTC)
	if kept.Before(got) {
		t.Error("expected route_events_20250208 to be kept")
	}
}

func TestPartitionDate_Invalid(t *testing.T) {
	if _, err := partitionDate("route_events_2025011x", time.UTC); err == nil {
		t.Error("expected error for malformed partition name")
	}
	if _, err := partitionDate("route_events_20251399", time.UTC); err == nil {
		t.Error("expected error for impossible date")
	}
}
