package sigrouter

import (
	"testing"

	"golang.org/x/sys/unix"
)

// TestDecodeTrap covers the instrumentation trap encoding: ud2
// followed by 0x50 + (is_write<<3 | log2(size)).
func TestDecodeTrap(t *testing.T) {
	cases := []struct {
		name string
		insn []byte
		want uint32
		ok   bool
	}{
		{"read1", []byte{0x0f, 0x0b, 0x50}, 0, true},
		{"read16", []byte{0x0f, 0x0b, 0x54}, 4, true},
		{"write1", []byte{0x0f, 0x0b, 0x58}, 8, true},
		{"write16", []byte{0x0f, 0x0b, 0x5c}, 12, true},
		{"not-ud2", []byte{0x90, 0x90, 0x50}, 0, false},
		{"short", []byte{0x0f, 0x0b}, 0, false},
		{"imm-low", []byte{0x0f, 0x0b, 0x4f}, 0, false},
		{"imm-high", []byte{0x0f, 0x0b, 0x60}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeTrap(tc.insn)
			if tc.ok && err != nil {
				t.Fatalf("DecodeTrap(% x): %v", tc.insn, err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("DecodeTrap(% x) succeeded, want error", tc.insn)
				}
				return
			}
			if got != tc.want {
				t.Errorf("DecodeTrap(% x) = %d, want %d", tc.insn, got, tc.want)
			}
		})
	}
}

// TestOwned verifies the runtime's signal ownership set.
func TestOwned(t *testing.T) {
	if !Owned(int(unix.SIGSEGV)) || !Owned(int(unix.SIGILL)) {
		t.Error("SIGSEGV/SIGILL must be owned")
	}
	for _, sig := range []int{int(unix.SIGINT), int(unix.SIGTERM), int(unix.SIGUSR1)} {
		if Owned(sig) {
			t.Errorf("signal %d wrongly owned", sig)
		}
	}
}
