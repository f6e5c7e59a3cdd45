package block

import (
	"fmt"

	"kmux/kmuxerr"
	"kmux/terminal/markers"
)

// parserState is the pushdown automaton's four states (spec §4.4).
type parserState int

const (
	waitEditStart parserState = iota
	waitEditEnd
	waitExecOrNextEdit
	waitExecEnd
)

// Block is one emitted (command, output) pair. Output is nil (HasOutput
// false) while the command's edit phase is still open (an incomplete
// multi-line command); a command that is still executing carries the
// output seen so far.
type Block struct {
	CommandParts []string
	Output       []byte
	HasOutput    bool
}

// Parse walks buf's markers with the pushdown automaton described in
// spec §4.4, emitting one Block per completed or in-flight execution.
// An out-of-order marker is a fatal, unrecoverable parse error.
func Parse(buf []byte) ([]Block, error) {
	ms := markers.Extract(buf)

	state := waitEditStart
	var parts []string
	var cursor int
	var blocks []Block

	markerLen := func(k markers.Kind) int { return len(markers.Bytes[k]) }

	for _, m := range ms {
		switch state {
		case waitEditStart:
			if m.Kind != markers.EditStart {
				return nil, &kmuxerr.ParseInvariantViolationError{
					Detail: fmt.Sprintf("expected EditStart in WaitEditStart, got %s", m.Kind),
				}
			}
			cursor = m.Offset + markerLen(m.Kind)
			state = waitEditEnd

		case waitEditEnd:
			if m.Kind != markers.EditEnd {
				return nil, &kmuxerr.ParseInvariantViolationError{
					Detail: fmt.Sprintf("expected EditEnd in WaitEditEnd, got %s", m.Kind),
				}
			}
			parts = append(parts, string(buf[cursor:m.Offset]))
			cursor = m.Offset + markerLen(m.Kind)
			state = waitExecOrNextEdit

		case waitExecOrNextEdit:
			switch m.Kind {
			case markers.EditStart:
				cursor = m.Offset + markerLen(m.Kind)
				state = waitEditEnd
			case markers.ExecStart:
				cursor = m.Offset + markerLen(m.Kind)
				state = waitExecEnd
			default:
				return nil, &kmuxerr.ParseInvariantViolationError{
					Detail: fmt.Sprintf("expected EditStart or ExecStart in WaitExecOrNextEdit, got %s", m.Kind),
				}
			}

		case waitExecEnd:
			if m.Kind != markers.ExecEnd {
				return nil, &kmuxerr.ParseInvariantViolationError{
					Detail: fmt.Sprintf("expected ExecEnd in WaitExecEnd, got %s", m.Kind),
				}
			}
			output := buf[cursor:m.Offset]
			blocks = append(blocks, Block{CommandParts: parts, Output: output, HasOutput: true})
			cursor = m.Offset + markerLen(m.Kind)
			parts = nil
			state = waitEditStart
		}
	}

	switch state {
	case waitEditEnd:
		if len(parts) > 0 {
			blocks = append(blocks, Block{CommandParts: parts})
		}
	case waitExecEnd:
		blocks = append(blocks, Block{CommandParts: parts, Output: buf[cursor:], HasOutput: true})
	}

	return blocks, nil
}
