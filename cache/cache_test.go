package cache

import (
	"testing"
	"time"
)

func TestKeyFor(t *testing.T) {
	got := KeyFor("tokenprice", "ethereum", "0xABC123", "current")
	want := "tokenprice:price:ethereum:0xabc123:current"
	if got != want {
		t.Fatalf("KeyFor() = %q, want %q", got, want)
	}
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want Strategy
	}{
		{"just now", time.Minute, Hot},
		{"few hours", 6 * time.Hour, Warm},
		{"a week", 7 * 24 * time.Hour, Cold},
		{"a year", 400 * 24 * time.Hour, Archive},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StrategyFor(tc.age); got != tc.want {
				t.Fatalf("StrategyFor(%s) = %s, want %s", tc.age, got, tc.want)
			}
		})
	}
}
