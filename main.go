package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"kmux/audit"
	"kmux/config"
	"kmux/registry"
	"kmux/terminal/block"
	"kmux/tui"
)

func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func parseSessionID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return id, nil
}

func buildRegistry(cfg *config.File, auditMgr *audit.Manager) *registry.Registry {
	return registry.New(registry.Config{
		SessionStartupTimeout: time.Duration(cfg.SessionStartupTimeoutSecondsOrDefault() * float64(time.Second)),
		ToolCallTimeout:       time.Duration(cfg.GeneralToolCallTimeoutSecondsOrDefault() * float64(time.Second)),
		Cols:                  cfg.WidthOrDefault(),
		Rows:                  cfg.HeightOrDefault(),
		Password:              cfg.Password(),
		Audit:                 auditMgr,
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kmux: %v\n", err)
		os.Exit(1)
	}

	auditMgr, auditErr := audit.New(cfg.AuditDBPathOrDefault(), cfg.AuditDBPathOrDefault()+".jsonl")
	if auditErr == nil {
		defer auditMgr.Close()
	} else {
		auditMgr = nil
	}

	reg := buildRegistry(cfg, auditMgr)
	defer reg.Stop()

	rootCmd := &cobra.Command{
		Use:   "kmux",
		Short: "agent-drivable terminal multiplexer",
		Long:  "kmux multiplexes block-structured shell sessions behind a tool-call surface: create, drive, and snapshot any number of shells without an agent ever seeing a raw terminal.",
	}

	rootCmd.AddCommand(
		newServeCmd(reg),
		newCreateSessionCmd(reg),
		newListSessionsCmd(reg),
		newUpdateLabelCmd(reg),
		newUpdateDescriptionCmd(reg),
		newExecuteCommandCmd(reg, cfg),
		newSendKeysCmd(reg),
		newEnterRootPasswordCmd(reg),
		newSnapshotCmd(reg),
		newDeleteSessionCmd(reg),
		newAttachCmd(reg),
		newBrowseCmd(reg),
		newDoctorCmd(auditMgr),
		newSearchCmd(auditMgr),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCreateSessionCmd(reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "create-session",
		Short: "start a new shell session and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := reg.CreateSession()
			fmt.Println(id)
			return nil
		},
	}
}

func newListSessionsCmd(reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "list-sessions",
		Short: "list live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			color := stdoutIsTerminal()
			for _, s := range reg.ListSessions() {
				running := "idle"
				if s.HasRunning {
					running = "running: " + s.RunningCommand
					if color {
						running = "\033[1;33m" + running + "\033[0m"
					}
				}
				switch {
				case s.Initializing:
					fmt.Printf("%d\t(initialising)\n", s.ID)
				default:
					fmt.Printf("%d\t%s\t%s\n", s.ID, s.Label, running)
				}
			}
			return nil
		},
	}
}

func newUpdateLabelCmd(reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "update-session-label <session-id> <label>",
		Short: "relabel a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return reg.UpdateSessionLabel(id, args[1])
		},
	}
}

func newUpdateDescriptionCmd(reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "update-session-description <session-id> <description>",
		Short: "update a session's description",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return reg.UpdateSessionDescription(id, args[1])
		},
	}
}

func newExecuteCommandCmd(reg *registry.Registry, cfg *config.File) *cobra.Command {
	var timeoutSeconds float64
	cmd := &cobra.Command{
		Use:   "execute-command <session-id> <command>",
		Short: "submit a command and wait for the session to go idle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			timeout := time.Duration(timeoutSeconds * float64(time.Second))
			res, err := reg.ExecuteCommand(id, args[1], timeout)
			if err != nil {
				return err
			}
			switch res.Kind {
			case block.Finished:
				fmt.Print(res.Output)
			case block.Incomplete:
				fmt.Fprintln(os.Stderr, "command did not produce a terminated block")
			case block.TimedOut:
				fmt.Fprintf(os.Stderr, "timed out after %s\n", res.Timeout)
				if res.HasPartialOutput {
					fmt.Print(res.PartialOutput)
				}
			}
			return nil
		},
	}
	cmd.Flags().Float64VarP(&timeoutSeconds, "timeout", "T", 0, "override the configured tool-call timeout, in seconds")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if timeoutSeconds <= 0 {
			timeoutSeconds = cfg.GeneralToolCallTimeoutSecondsOrDefault()
		}
		return nil
	}
	return cmd
}

func newSendKeysCmd(reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "send-keys <session-id> <keys>",
		Short: "write raw keystrokes to a session currently executing a command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return reg.SendKeys(id, []byte(args[1]))
		},
	}
}

func newEnterRootPasswordCmd(reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "enter-root-password <session-id>",
		Short: "type the configured privileged password into a session awaiting a sudo prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return reg.EnterRootPassword(id)
		},
	}
}

func newSnapshotCmd(reg *registry.Registry) *cobra.Command {
	var includeAll, copyToClipboard bool
	cmd := &cobra.Command{
		Use:   "snapshot <session-id>",
		Short: "render the session's current terminal view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			out, err := reg.Snapshot(id, includeAll)
			if err != nil {
				return err
			}
			fmt.Print(out)
			if copyToClipboard {
				if err := clipboard.WriteAll(out); err != nil {
					fmt.Fprintf(os.Stderr, "kmux: failed to copy to clipboard: %v\n", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeAll, "all", false, "render the whole cumulative buffer instead of the current block window")
	cmd.Flags().BoolVar(&copyToClipboard, "copy", false, "also copy the rendered snapshot to the system clipboard")
	return cmd
}

func newDeleteSessionCmd(reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-session <session-id>",
		Short: "stop and remove a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return reg.DeleteSession(id)
		},
	}
}

func newBrowseCmd(reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "interactively browse and attach to a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions := reg.ListSessions()
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			model := tui.NewBrowseModel(sessions)
			p := tea.NewProgram(model)
			final, err := p.Run()
			if err != nil {
				return err
			}
			result, ok := final.(tui.BrowseModel)
			if !ok || result.Selected == nil {
				return nil
			}
			return runAttach(reg, result.Selected.ID)
		},
	}
}

func newDoctorCmd(auditMgr *audit.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "check system capabilities kmux depends on",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("kmux doctor")
			fmt.Println("===========")

			if _, err := exec.LookPath("zsh"); err == nil {
				fmt.Println("[ok]   zsh found on PATH")
			} else {
				fmt.Println("[fail] zsh not found on PATH; sessions cannot start")
			}

			if audit.CheckFTS() {
				fmt.Println("[ok]   sqlite3 FTS5 support enabled; `kmux search` is available")
			} else {
				fmt.Println("[warn] sqlite3 FTS5 support disabled; `kmux search` will be unavailable")
			}

			if auditMgr == nil {
				fmt.Println("[warn] audit database failed to open")
			} else {
				fmt.Println("[ok]   audit database reachable")
			}

			home, err := os.UserHomeDir()
			if err == nil {
				configPath := filepath.Join(home, ".kmux", "config.yaml")
				if _, statErr := os.Stat(configPath); statErr == nil {
					fmt.Printf("[ok]   config file found at %s\n", configPath)
				} else {
					fmt.Printf("[warn] no config file at %s; using defaults\n", configPath)
				}
			}
			return nil
		},
	}
}

func newSearchCmd(auditMgr *audit.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "full-text search over past command blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if auditMgr == nil {
				return fmt.Errorf("audit database unavailable")
			}
			results, err := auditMgr.Search(args[0])
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, r := range results {
				fmt.Printf("session %d [%s] %s\n", r.SessionID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Preview)
			}
			return nil
		},
	}
}
