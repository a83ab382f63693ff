package treesitter

import (
	"testing"

	"github.com/repograph/repograph/pkg/types"
)

const goSource = `package ledger

import "time"

type Entry struct {
	At     time.Time
	Amount int64
}

func Sum(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}

func (e Entry) Stale(now time.Time) bool {
	return now.Sub(e.At) > 24*time.Hour
}
`

const pySource = `class Ledger:
    def __init__(self):
        self.entries = []

def total(entries):
    return sum(e.amount for e in entries)
`

func TestChunkGoDefinitions(t *testing.T) {
	c := New(Config{})
	chunks, err := c.Chunk("ledger/entry.go", "go", []byte(goSource))
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}

	symbols := map[string]*types.Chunk{}
	for _, ch := range chunks {
		symbols[ch.Symbol] = ch
	}

	for _, want := range []string{"Entry", "Sum", "Stale"} {
		if _, ok := symbols[want]; !ok {
			t.Errorf("missing chunk for symbol %q, got %d chunks", want, len(chunks))
		}
	}

	sum := symbols["Sum"]
	if sum == nil {
		t.Fatal("no Sum chunk")
	}
	if sum.Kind != types.ChunkKindCode {
		t.Errorf("Kind = %q, want %q", sum.Kind, types.ChunkKindCode)
	}
	if sum.OwnerPath != "ledger/entry.go" {
		t.Errorf("OwnerPath = %q", sum.OwnerPath)
	}
	if sum.StartLine <= 0 || sum.EndLine < sum.StartLine {
		t.Errorf("bad line span %d-%d", sum.StartLine, sum.EndLine)
	}
	if sum.Length != len(sum.Text) {
		t.Errorf("Length = %d, want %d", sum.Length, len(sum.Text))
	}
}

func TestChunkPythonDefinitions(t *testing.T) {
	c := New(Config{})
	chunks, err := c.Chunk("lib/ledger.py", "python", []byte(pySource))
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}

	var names []string
	for _, ch := range chunks {
		names = append(names, ch.Symbol)
	}

	want := map[string]bool{"Ledger": false, "total": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("missing symbol %q in %v", n, names)
		}
	}
}

func TestChunkDeterministicIDs(t *testing.T) {
	c := New(Config{})
	a, err := c.Chunk("ledger/entry.go", "go", []byte(goSource))
	if err != nil {
		t.Fatalf("first Chunk failed: %v", err)
	}
	b, err := c.Chunk("ledger/entry.go", "go", []byte(goSource))
	if err != nil {
		t.Fatalf("second Chunk failed: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Errorf("chunk %d: ID %q != %q", i, a[i].ID, b[i].ID)
		}
	}
}

func TestChunkUnsupportedLanguage(t *testing.T) {
	c := New(Config{})
	if _, err := c.Chunk("main.zig", "zig", []byte("const x = 1;")); err == nil {
		t.Error("expected error for unsupported language")
	}
	if c.SupportsLanguage("zig") {
		t.Error("SupportsLanguage(zig) = true")
	}
	if !c.SupportsLanguage("go") {
		t.Error("SupportsLanguage(go) = false")
	}
}

func TestChunkEmptyContent(t *testing.T) {
	c := New(Config{})
	chunks, err := c.Chunk("empty.go", "go", nil)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks for empty content", len(chunks))
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"cmd/main.go", "go"},
		{"lib/app.py", "python"},
		{"web/index.ts", "typescript"},
		{"web/App.tsx", "tsx"},
		{"src/lib.rs", "rust"},
		{"README.md", ""},
		{"Makefile", ""},
	}
	for _, tt := range tests {
		if got := DetectLanguage(tt.path); got != tt.want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
