package block

import (
	"testing"

	"kmux/terminal/markers"
)

func editStart() []byte { return markers.Bytes[markers.EditStart] }
func editEnd() []byte   { return markers.Bytes[markers.EditEnd] }
func execStart() []byte { return markers.Bytes[markers.ExecStart] }
func execEnd() []byte   { return markers.Bytes[markers.ExecEnd] }

func buildBuf(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestParseSingleCompleteBlock(t *testing.T) {
	buf := buildBuf(
		editStart(), []byte("echo hi"), editEnd(),
		execStart(), []byte("hi\n"), execEnd(),
	)

	blocks, err := Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	b := blocks[0]
	if !b.HasOutput {
		t.Fatal("expected completed block to have output")
	}
	if string(b.Output) != "hi\n" {
		t.Fatalf("expected output %q, got %q", "hi\n", b.Output)
	}
	if len(b.CommandParts) != 1 || b.CommandParts[0] != "echo hi" {
		t.Fatalf("unexpected command parts: %v", b.CommandParts)
	}
}

func TestParseMultiLineContinuation(t *testing.T) {
	buf := buildBuf(
		editStart(), []byte("for i in 1 2; do"), editEnd(),
		editStart(), []byte("echo $i; done"), editEnd(),
		execStart(), []byte("1\n2\n"), execEnd(),
	)

	blocks, err := Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if len(blocks[0].CommandParts) != 2 {
		t.Fatalf("expected 2 command parts, got %d", len(blocks[0].CommandParts))
	}
}

func TestParseTwoSequentialBlocks(t *testing.T) {
	buf := buildBuf(
		editStart(), []byte("one"), editEnd(), execStart(), []byte("ONE\n"), execEnd(),
		editStart(), []byte("two"), editEnd(), execStart(), []byte("TWO\n"), execEnd(),
	)

	blocks, err := Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if string(blocks[0].Output) != "ONE\n" || string(blocks[1].Output) != "TWO\n" {
		t.Fatalf("unexpected block outputs: %q %q", blocks[0].Output, blocks[1].Output)
	}
}

func TestParseInFlightCommandOpenOutput(t *testing.T) {
	buf := buildBuf(
		editStart(), []byte("for i in 1 2; do"), editEnd(),
		editStart(),
	)

	blocks, err := Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 in-flight block, got %d", len(blocks))
	}
	if blocks[0].HasOutput {
		t.Fatal("expected in-flight block to have no output")
	}
}

func TestParseInFlightExecution(t *testing.T) {
	buf := buildBuf(
		editStart(), []byte("sleep 5"), editEnd(),
		execStart(), []byte("partial output so far"),
	)

	blocks, err := Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 in-flight block, got %d", len(blocks))
	}
	if !blocks[0].HasOutput {
		t.Fatal("expected in-flight executing block to carry partial output")
	}
	if string(blocks[0].Output) != "partial output so far" {
		t.Fatalf("unexpected partial output: %q", blocks[0].Output)
	}
}

func TestParseOutOfOrderMarkerIsFatal(t *testing.T) {
	buf := buildBuf(execEnd(), editStart())

	_, err := Parse(buf)
	if err == nil {
		t.Fatal("expected a parse error for out-of-order markers")
	}
}

func TestParseEmptyBufferNoBlocks(t *testing.T) {
	blocks, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("expected no blocks, got %d", len(blocks))
	}
}
