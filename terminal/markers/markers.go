// Package markers defines the four sentinel byte-strings that a patched
// zsh emits around editing and execution phases, and the scan that
// recovers them from a raw PTY byte stream.
package markers

import (
	"bytes"
	"fmt"

	"kmux/kmuxerr"
)

// Kind identifies one of the four marker phases.
type Kind int

const (
	EditStart Kind = iota
	EditEnd
	ExecStart
	ExecEnd
)

func (k Kind) String() string {
	switch k {
	case EditStart:
		return "EDITSTART"
	case EditEnd:
		return "EDITEND"
	case ExecStart:
		return "EXECSTART"
	case ExecEnd:
		return "EXECEND"
	default:
		return "UNKNOWN"
	}
}

// salt is a fixed 32-hex-digit constant chosen to make accidental
// occurrence in ordinary shell output negligible.
const salt = "1b3e62c774b44f78898be928a7aa6532"

const (
	dcsStart = "\x1bP"
	dcsEnd   = "\x1b\\"
)

func phase(name string) []byte {
	return []byte(dcsStart + "kmux;" + name + ";" + salt + dcsEnd)
}

// Bytes returns the literal DCS-wrapped byte string emitted for a phase.
// This is what the shell hooks (see package shellhook) print, and what
// Extract scans for.
var Bytes = map[Kind][]byte{
	EditStart: phase("EDITSTART"),
	EditEnd:   phase("EDITEND"),
	ExecStart: phase("EXECSTART"),
	ExecEnd:   phase("EXECEND"),
}

// order fixes a deterministic scan order; the exact ordering doesn't
// change semantics since we sort by offset afterward.
var order = []Kind{EditStart, EditEnd, ExecStart, ExecEnd}

// Marker is one recovered occurrence of a marker in a buffer.
type Marker struct {
	Offset int
	Kind   Kind
}

// Extract linear-scans buf for all four markers and returns them sorted
// by offset. Offsets are the start of each marker's DCS envelope.
func Extract(buf []byte) []Marker {
	var found []Marker
	for _, k := range order {
		needle := Bytes[k]
		start := 0
		for {
			idx := bytes.Index(buf[start:], needle)
			if idx == -1 {
				break
			}
			found = append(found, Marker{Offset: start + idx, Kind: k})
			start += idx + len(needle)
		}
	}

	// insertion sort by offset; found grows by about four markers per
	// command over the session's lifetime
	for i := 1; i < len(found); i++ {
		for j := i; j > 0 && found[j-1].Offset > found[j].Offset; j-- {
			found[j-1], found[j] = found[j], found[j-1]
		}
	}
	return found
}

// Strip removes every marker occurrence from buf, returning the
// remaining bytes. Idempotent: stripping already-stripped input is a
// no-op since there is nothing left to match.
func Strip(buf []byte) []byte {
	out := buf
	for _, needle := range Bytes {
		out = bytes.ReplaceAll(out, needle, nil)
	}
	return out
}

// Status is one of five states derived purely from the tail of the
// marker sequence (spec §4.2): Executing, AwaitingCommand and
// InputCommand, plus the transitional NoMarkers and
// TransientShellBookkeeping.
type Status int

const (
	NoMarkers Status = iota
	Executing
	AwaitingCommand
	InputCommand
	TransientShellBookkeeping
)

func (s Status) String() string {
	switch s {
	case NoMarkers:
		return "NoMarkers"
	case Executing:
		return "Executing"
	case AwaitingCommand:
		return "AwaitingCommand"
	case InputCommand:
		return "InputCommand"
	case TransientShellBookkeeping:
		return "TransientShellBookkeeping"
	default:
		return "Unknown"
	}
}

// StatusFromMarkers applies the table in spec §4.2 to the last one or two
// markers of an already-extracted, offset-sorted sequence. It is a pure
// function of its input: the same tail always yields the same status.
func StatusFromMarkers(ms []Marker) (Status, error) {
	if len(ms) == 0 {
		return NoMarkers, nil
	}

	last := ms[len(ms)-1].Kind

	if last == ExecStart {
		return Executing, nil
	}

	var prev Kind
	hasPrev := len(ms) >= 2
	if hasPrev {
		prev = ms[len(ms)-2].Kind
	}

	if last == EditStart {
		if !hasPrev || prev == ExecEnd {
			return AwaitingCommand, nil
		}
		if prev == EditEnd {
			return InputCommand, nil
		}
		return 0, &kmuxerr.ParseInvariantViolationError{
			Detail: fmt.Sprintf("unexpected marker pair (%s, %s)", safeKind(hasPrev, prev), last),
		}
	}

	if last == EditEnd || last == ExecEnd {
		return TransientShellBookkeeping, nil
	}

	return 0, &kmuxerr.ParseInvariantViolationError{
		Detail: fmt.Sprintf("unrecognised trailing marker %s", last),
	}
}

func safeKind(has bool, k Kind) string {
	if !has {
		return "(none)"
	}
	return k.String()
}
