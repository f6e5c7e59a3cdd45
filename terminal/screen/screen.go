// Package screen renders a raw PTY byte stream into the fixed-grid
// screen text an agent reads back, using a real VT100/xterm emulator
// rather than a hand-rolled ANSI interpreter.
package screen

import (
	"strings"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"

	"kmux/terminal/markers"
)

const (
	DefaultWidth  = 80
	DefaultHeight = 24
)

// Renderer renders a cumulative PTY buffer against a fixed-size grid.
type Renderer struct {
	width, height int
}

// NewRenderer builds a Renderer for the given grid size.
func NewRenderer(width, height int) *Renderer {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Renderer{width: width, height: height}
}

// Render strips the block markers out of buf, replays the remainder
// through a scratch emulator, and returns the resulting screen text
// (scrollback-top followed by the current grid).
func (r *Renderer) Render(buf []byte) string {
	clean := markers.Strip(buf)

	emu := vt.NewEmulator(r.width, r.height)
	defer emu.Close()

	var scrollback []string
	emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			for _, line := range lines {
				scrollback = append(scrollback, line.Render())
			}
		},
	})

	emu.Write(clean)

	lines := make([]string, 0, len(scrollback)+r.height)
	for _, line := range scrollback {
		lines = append(lines, trimTrailingSpace(line))
	}
	for _, line := range strings.Split(emu.Render(), "\n") {
		lines = append(lines, trimTrailingSpace(line))
	}

	// A buffer holding only whitespace and markers renders as an all-blank
	// grid; drop the trailing blank rows so the round trip is empty,
	// rather than leaking the emulator's fixed grid height as whitespace.
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func trimTrailingSpace(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[:end]
}
