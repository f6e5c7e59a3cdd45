package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"kmux/registry"
)

// rpcRequest is one line of stdin: {"op": "...", "args": {...}}. This is
// the thinnest possible marshalling shim over the registry, for driving
// kmux from an agent harness that speaks line-delimited JSON rather than
// spawning a subprocess per operation.
type rpcRequest struct {
	ID   json.Number     `json:"id,omitempty"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

type rpcResponse struct {
	ID     json.Number `json:"id,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func newServeCmd(reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "read {op,args} JSON lines from stdin, write one result per line to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(reg, os.Stdin, os.Stdout)
		},
	}
}

func runServe(reg *registry.Registry, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(rpcResponse{Error: fmt.Sprintf("bad request: %v", err)})
			continue
		}

		resp := dispatch(reg, req)
		enc.Encode(resp)
	}
	return scanner.Err()
}

func dispatch(reg *registry.Registry, req rpcRequest) rpcResponse {
	resp := rpcResponse{ID: req.ID}

	var a map[string]interface{}
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &a); err != nil {
			resp.Error = fmt.Sprintf("bad args: %v", err)
			return resp
		}
	}

	argInt := func(key string) (int, bool) {
		v, ok := a[key].(float64)
		return int(v), ok
	}
	argString := func(key string) (string, bool) {
		v, ok := a[key].(string)
		return v, ok
	}

	switch req.Op {
	case "create_session":
		resp.Result = reg.CreateSession()

	case "list_sessions":
		resp.Result = reg.ListSessions()

	case "update_session_label":
		id, _ := argInt("session_id")
		label, _ := argString("label")
		if err := reg.UpdateSessionLabel(id, label); err != nil {
			resp.Error = err.Error()
		}

	case "update_session_description":
		id, _ := argInt("session_id")
		desc, _ := argString("description")
		if err := reg.UpdateSessionDescription(id, desc); err != nil {
			resp.Error = err.Error()
		}

	case "execute_command":
		id, _ := argInt("session_id")
		text, _ := argString("command")
		timeoutSeconds, hasTimeout := a["timeout"].(float64)
		timeout := 5 * time.Second
		if hasTimeout {
			timeout = time.Duration(timeoutSeconds * float64(time.Second))
		}
		res, err := reg.ExecuteCommand(id, text, timeout)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.Result = map[string]interface{}{
			"kind":               res.Kind.String(),
			"output":             res.Output,
			"duration_ms":        res.Duration.Milliseconds(),
			"partial_output":     res.PartialOutput,
			"has_partial_output": res.HasPartialOutput,
			"combined_command":   res.CombinedCommand,
		}

	case "send_keys":
		id, _ := argInt("session_id")
		keys, _ := argString("keys")
		if err := reg.SendKeys(id, []byte(keys)); err != nil {
			resp.Error = err.Error()
		}

	case "enter_root_password":
		id, _ := argInt("session_id")
		if err := reg.EnterRootPassword(id); err != nil {
			resp.Error = err.Error()
		}

	case "snapshot":
		id, _ := argInt("session_id")
		includeAll, _ := a["include_all"].(bool)
		out, err := reg.Snapshot(id, includeAll)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.Result = out

	case "delete_session":
		id, _ := argInt("session_id")
		if err := reg.DeleteSession(id); err != nil {
			resp.Error = err.Error()
		}

	default:
		resp.Error = fmt.Sprintf("unknown op %q", req.Op)
	}

	return resp
}
