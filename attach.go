package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kmux/registry"
)

// newAttachCmd wires an operator's real terminal directly to a session's
// PTY: raw mode, SIGWINCH-driven resize, and an unrestricted bidirectional
// byte stream. This bypasses the tool-call surface entirely (no markers,
// no status gating) for the case where a human wants to drive the shell
// themselves, same as dropping into the child directly.
func newAttachCmd(reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id>",
		Short: "attach the current terminal to a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return runAttach(reg, id)
		},
	}
}

func runAttach(reg *registry.Registry, id int) error {
	sess, err := reg.Attach(id)
	if err != nil {
		return err
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return fmt.Errorf("attach requires an interactive terminal")
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
				_ = reg.Resize(id, w, h)
			}
		}
	}()
	winch <- syscall.SIGWINCH

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("entering raw mode: %w", err)
	}
	defer func() { _ = term.Restore(int(os.Stdin.Fd()), oldState) }()

	fmt.Fprint(os.Stderr, "attached; press ctrl-\\ to detach\r\n")

	detach := make(chan struct{})
	unsubscribe := sess.Subscribe(func(chunk []byte) {
		_, _ = os.Stdout.Write(chunk)
	})
	defer unsubscribe()

	go func() {
		defer close(detach)
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				// ctrl-\ (0x1c) detaches without killing the session.
				if idx := bytes.IndexByte(buf[:n], 0x1c); idx >= 0 {
					if idx > 0 {
						_ = sess.WriteRaw(buf[:idx])
					}
					return
				}
				if werr := sess.WriteRaw(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					return
				}
				return
			}
		}
	}()

	<-detach
	return nil
}

