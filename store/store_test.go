package store

import (
	"testing"
	"time"
)

func TestRecordID(t *testing.T) {
	ts := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	got := RecordID("0xabc", "ethereum", ts)
	want := "0xabc_ethereum_2026-01-15T12:00:00Z"
	if got != want {
		t.Fatalf("RecordID() = %q, want %q", got, want)
	}
}

func TestRecordIDStableAcrossTimeZones(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	local := time.Date(2026, 1, 15, 7, 0, 0, 0, loc)
	utc := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	if RecordID("0xabc", "ethereum", local) != RecordID("0xabc", "ethereum", utc) {
		t.Fatal("expected RecordID to normalize to UTC before formatting")
	}
}

func TestDailyRollupID(t *testing.T) {
	got := DailyRollupID("0xabc", "ethereum", "2026-01-15")
	want := "0xabc_ethereum_2026-01-15"
	if got != want {
		t.Fatalf("DailyRollupID() = %q, want %q", got, want)
	}
}

func TestCacheStatsBucketID(t *testing.T) {
	got := CacheStatsBucketID("2026-01-15")
	want := "2026-01-15"
	if got != want {
		t.Fatalf("CacheStatsBucketID() = %q, want %q", got, want)
	}
}
