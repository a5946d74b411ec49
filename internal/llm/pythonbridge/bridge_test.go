package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"TaskPilot/internal/llm"
)

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/opt/app", "bridge.py"); got != filepath.Join("/opt/app", "bridge.py") {
		t.Fatalf("unexpected path: %s", got)
	}
	if got := ResolveScriptPath("/opt/app", "/abs/bridge.py"); got != "/abs/bridge.py" {
		t.Fatalf("absolute path must be kept: %s", got)
	}
	if got := ResolveScriptPath("", ""); got != "" {
		t.Fatalf("empty script must stay empty: %s", got)
	}
}

func TestNewClientRequiresScript(t *testing.T) {
	if _, err := NewClient("", "", ""); err == nil {
		t.Fatalf("expected error when script path is empty")
	}
}

func TestGenerateUsesScriptOutput(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "bridge.sh")
	body := "cat >/dev/null\nprintf '%s' '{\"text\":\"done\",\"finish_reason\":\"\",\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":1}}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	client, err := NewClient(sh, script, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "done" || resp.FinishReason != llm.FinishStop || resp.Usage.PromptTokens != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
