package tool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileTools_RoundTrip(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	write := NewWriteFileTool(ws)
	if _, err := write.Execute(ctx, map[string]any{"path": "notes/a.txt", "content": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	read := NewReadFileTool(ws)
	out, err := read.Execute(ctx, map[string]any{"path": "notes/a.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out != "hello" {
		t.Fatalf("read = %q", out)
	}

	list := NewListDirTool(ws)
	out, err = list.Execute(ctx, map[string]any{"path": "notes"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "a.txt") {
		t.Fatalf("list = %q", out)
	}

	del := NewDeleteFileTool(ws)
	if _, err := del.Execute(ctx, map[string]any{"path": "notes/a.txt"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, "notes", "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("file survived delete: %v", err)
	}
}

func TestFileTools_TraversalRejected(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	read := NewReadFileTool(ws)
	if _, err := read.Execute(ctx, map[string]any{"path": "../../etc/passwd"}); err == nil {
		t.Fatal("traversal read allowed")
	}
	del := NewDeleteFileTool(ws)
	if _, err := del.Execute(ctx, map[string]any{"path": "/etc/hosts"}); err == nil {
		t.Fatal("absolute path outside workspace allowed")
	}
}

func TestDeleteFileTool_RefusesDirectory(t *testing.T) {
	ws := t.TempDir()
	if err := os.Mkdir(filepath.Join(ws, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	del := NewDeleteFileTool(ws)
	if _, err := del.Execute(context.Background(), map[string]any{"path": "sub"}); err == nil {
		t.Fatal("directory delete allowed")
	}
}

func TestShellTool_Echo(t *testing.T) {
	sh := NewShellTool(ShellConfig{WorkingDir: t.TempDir(), TimeoutSeconds: 5})
	out, err := sh.Execute(context.Background(), map[string]any{"command": "echo agentgate"})
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if !strings.Contains(out, "agentgate") {
		t.Fatalf("out = %q", out)
	}
}

func TestShellTool_MissingCommand(t *testing.T) {
	sh := NewShellTool(ShellConfig{})
	if _, err := sh.Execute(context.Background(), nil); err == nil {
		t.Fatal("empty command allowed")
	}
}
