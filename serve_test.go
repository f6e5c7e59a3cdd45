package main

import (
	"bytes"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"

	"kmux/registry"
)

func TestDispatchUnknownOp(t *testing.T) {
	r := registry.New(registry.Config{})
	defer r.Stop()

	resp := dispatch(r, rpcRequest{Op: "nonexistent"})
	if resp.Error == "" {
		t.Fatal("expected an error for an unknown op")
	}
}

func TestDispatchCreateAndListSessions(t *testing.T) {
	requireZshForServe(t)

	r := registry.New(registry.Config{})
	defer r.Stop()

	created := dispatch(r, rpcRequest{Op: "create_session"})
	if created.Error != "" {
		t.Fatalf("create_session failed: %s", created.Error)
	}

	listed := dispatch(r, rpcRequest{Op: "list_sessions"})
	if listed.Error != "" {
		t.Fatalf("list_sessions failed: %s", listed.Error)
	}
	sessions, ok := listed.Result.([]registry.SessionInfo)
	if !ok || len(sessions) != 1 {
		t.Fatalf("expected exactly one listed session, got %#v", listed.Result)
	}
}

func TestRunServeUnknownOpLine(t *testing.T) {
	r := registry.New(registry.Config{})
	defer r.Stop()

	in := strings.NewReader(`{"op": "nonexistent"}` + "\n")
	var out bytes.Buffer
	if err := runServe(r, in, &out); err != nil {
		t.Fatalf("runServe failed: %v", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("expected an error in the response")
	}
}

func requireZshForServe(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("zsh"); err != nil {
		t.Skip("zsh not available on PATH")
	}
}
