package flags

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestParseDefaults verifies an empty option string yields the
// documented defaults.
func TestParseDefaults(t *testing.T) {
	got := Parse("")
	want := Flags{
		MallocContextSize: 30,
		Redzone:           128,
		PoisonShadow:      true,
		ReportGlobals:     1,
		LargeMalloc:       1 << 31,
		HandleSegv:        true,
		Symbolize:         true,
		Demangle:          true,
		FastUnwind:        true,
		MT:                true,
		QuarantineSize:    1 << 28,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse(\"\") mismatch (-want +got):\n%s", diff)
	}
}

// TestParseKeys verifies individual keys are extracted regardless of
// surrounding separators.
func TestParseKeys(t *testing.T) {
	got := Parse("verbosity=2 redzone=64:quarantine_size=1024,atexit=1 stats=1 fast_unwind=0 report_globals=2")
	if got.Verbosity != 2 {
		t.Errorf("Verbosity = %d, want 2", got.Verbosity)
	}
	if got.Redzone != 64 {
		t.Errorf("Redzone = %d, want 64", got.Redzone)
	}
	if got.QuarantineSize != 1024 {
		t.Errorf("QuarantineSize = %d, want 1024", got.QuarantineSize)
	}
	if !got.AtExit || !got.Stats {
		t.Error("atexit/stats not parsed")
	}
	if got.FastUnwind {
		t.Error("fast_unwind=0 not parsed")
	}
	if got.ReportGlobals != 2 {
		t.Errorf("ReportGlobals = %d, want 2", got.ReportGlobals)
	}
}

// TestParseUnknownKeysIgnored verifies unrecognized keys do not
// disturb parsing of known ones.
func TestParseUnknownKeysIgnored(t *testing.T) {
	got := Parse("bogus_option=7 verbosity=1 another=thing")
	if got.Verbosity != 1 {
		t.Errorf("Verbosity = %d, want 1", got.Verbosity)
	}
	if diff := cmp.Diff(Parse("verbosity=1"), got); diff != "" {
		t.Errorf("unknown keys changed the result (-want +got):\n%s", diff)
	}
}

// TestIntValue covers the substring extractor directly.
func TestIntValue(t *testing.T) {
	cases := []struct {
		options string
		flag    string
		def     int64
		want    int64
	}{
		{"", "verbosity=", 5, 5},
		{"verbosity=3", "verbosity=", 0, 3},
		{"xverbosity=3", "verbosity=", 0, 3}, // substring search matches anywhere
		{"verbosity=", "verbosity=", 9, 9},
		{"verbosity=abc", "verbosity=", 9, 9},
		{"a=1 b=2 c=3", "b=", 0, 2},
	}
	for _, tc := range cases {
		if got := IntValue(tc.options, tc.flag, tc.def); got != tc.want {
			t.Errorf("IntValue(%q, %q, %d) = %d, want %d",
				tc.options, tc.flag, tc.def, got, tc.want)
		}
	}
}
