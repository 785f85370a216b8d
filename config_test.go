package fineline

import (
	"math"
	"strconv"
	"testing"
)

func TestParseSizeRejectsOverflow(t *testing.T) {
	// math.MaxInt64/(1<<30) is about 8 billion; multiplying by the GB unit
	// wraps a naive int64 multiplication past MaxInt64.
	huge := int64(math.MaxInt64)/(1024*1024*1024) + 2
	s := strconv.FormatInt(huge, 10) + "GB"
	if _, err := ParseSize(s); err == nil {
		t.Fatalf("ParseSize(%q) should reject an overflowing size, got no error", s)
	}
}

func TestParseSizeAcceptsNonOverflowingValue(t *testing.T) {
	got, err := ParseSize("2GB")
	if err != nil {
		t.Fatalf("ParseSize(2GB) failed: %v", err)
	}
	want := int64(2 * 1024 * 1024 * 1024)
	if got != want {
		t.Fatalf("ParseSize(2GB) = %d, want %d", got, want)
	}
}

func TestParseSizeRejectsNegativePlainInteger(t *testing.T) {
	if _, err := ParseSize("-100"); err == nil {
		t.Fatalf("ParseSize(-100) should reject a negative plain-integer size, got no error")
	}
}

func TestParseDurationRejectsOverflow(t *testing.T) {
	// 365 days in nanoseconds is ~3.15e16; MaxInt64 is ~9.2e18, so a value
	// above roughly 292 years wraps past MaxInt64 once converted to ns.
	huge := (math.MaxInt64 / int64(365*24*3600*1e9)) + 2
	s := strconv.FormatInt(huge, 10) + "y"
	if _, err := ParseDuration(s); err == nil {
		t.Fatalf("ParseDuration(%q) should reject an overflowing duration, got no error", s)
	}
}

func TestParseDurationAcceptsNonOverflowingValue(t *testing.T) {
	got, err := ParseDuration("2w")
	if err != nil {
		t.Fatalf("ParseDuration(2w) failed: %v", err)
	}
	want := 14 * 24 * 60 * 60 * 1e9 // 2 weeks in ns
	if got.Nanoseconds() != int64(want) {
		t.Fatalf("ParseDuration(2w) = %v, want %v ns", got, want)
	}
}

func TestValidateRejectsPageSizeAboveMax(t *testing.T) {
	cfg := &Config{LogPath: t.TempDir(), PageSize: maxPageSize + 1}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate should reject a PageSize above maxPageSize, risking carray.go's packed-reservation overflow")
	}
}

func TestValidateAcceptsPageSizeAtMax(t *testing.T) {
	cfg := &Config{LogPath: t.TempDir(), PageSize: maxPageSize}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate should accept a PageSize exactly at maxPageSize, got %v", err)
	}
}

func TestValidateRejectsActiveSlotsAtPoolCapacity(t *testing.T) {
	cfg := &Config{LogPath: t.TempDir(), PageSize: 4096, ActiveSlots: allSlotPoolCapacity}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate should reject ActiveSlots == allSlotPoolCapacity: it would leave no UNUSED slot to promote")
	}
}

func TestValidateAcceptsActiveSlotsJustBelowPoolCapacity(t *testing.T) {
	cfg := &Config{LogPath: t.TempDir(), PageSize: 4096, ActiveSlots: allSlotPoolCapacity - 1}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate should accept ActiveSlots one below pool capacity, got %v", err)
	}
}

func TestValidateFloorsLogFileSizeAtFullSlot(t *testing.T) {
	cfg := &Config{LogPath: t.TempDir(), PageSize: 4096, LogFileSize: 4096}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	minFileSize := int64(cfg.PageSize) + int64(frameOverhead)
	if cfg.LogFileSize < minFileSize {
		t.Fatalf("LogFileSize = %d, want >= %d (PageSize+frameOverhead)", cfg.LogFileSize, minFileSize)
	}
}
