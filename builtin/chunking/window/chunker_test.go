package window

import (
	"fmt"
	"strings"
	"testing"
)

func genLines(n int) []byte {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return []byte(b.String())
}

func TestChunkCoversAllLines(t *testing.T) {
	c := New(Config{WindowLines: 80, Overlap: 20})

	chunks, err := c.Chunk("src/main.foo", "foo", genLines(200))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	// Windows: 1-80, 61-140, 121-200.
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].StartLine != 1 || chunks[0].EndLine != 80 {
		t.Errorf("chunk 0 span = %d-%d", chunks[0].StartLine, chunks[0].EndLine)
	}
	if chunks[1].StartLine != 61 || chunks[1].EndLine != 140 {
		t.Errorf("chunk 1 span = %d-%d", chunks[1].StartLine, chunks[1].EndLine)
	}
	if chunks[2].EndLine != 200 {
		t.Errorf("last chunk ends at %d, want 200", chunks[2].EndLine)
	}

	// No content lost: last line must appear in the final window.
	if !strings.Contains(chunks[2].Text, "line 200") {
		t.Error("final line missing from last window")
	}
	// Overlap: line 70 appears in both of the first two windows.
	if !strings.Contains(chunks[0].Text, "line 70\n") || !strings.Contains(chunks[1].Text, "line 70\n") {
		t.Error("overlap lines not shared between consecutive windows")
	}
}

func TestChunkShortFile(t *testing.T) {
	c := New(Config{})

	chunks, err := c.Chunk("a.cfg", "", genLines(5))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].StartLine != 1 || chunks[0].EndLine != 5 {
		t.Errorf("span = %d-%d", chunks[0].StartLine, chunks[0].EndLine)
	}
}

func TestChunkEmptyFile(t *testing.T) {
	chunks, err := New(Config{}).Chunk("empty", "", nil)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks for empty content", len(chunks))
	}
}

func TestChunkDeterminism(t *testing.T) {
	content := genLines(150)
	a, _ := New(Config{}).Chunk("x.bin", "", content)
	b, _ := New(Config{}).Chunk("x.bin", "", content)

	if len(a) != len(b) {
		t.Fatalf("chunk counts differ")
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Errorf("chunk %d id differs across runs", i)
		}
	}
}
