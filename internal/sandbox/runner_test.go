package sandbox

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/workspace"
)

// testImage is the generic interpreter image used for integration tests.
const testImage = "python:3.12-slim"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the interpreter image isn't pulled.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (pull with: docker pull %s)", testImage, testImage)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newHostRunner builds a runner with sandboxing off so scripts execute as
// host processes, with sh standing in for the Python interpreter.
func newHostRunner(t *testing.T) (*Runner, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	enabled := false
	cfg := &config.SandboxConfig{Enabled: &enabled, Interpreter: "sh"}
	return NewRunner(cfg, config.EnvDevelopment, ws, testLogger()), ws
}

// newDockerRunner builds a containerized runner against the generic
// interpreter image, skipping when Docker or the image is missing.
func newDockerRunner(t *testing.T) *Runner {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	cfg := &config.SandboxConfig{Image: testImage}
	return NewRunner(cfg, config.EnvDevelopment, ws, testLogger())
}

func TestRun_DisabledInProductionRefused(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	enabled := false
	cfg := &config.SandboxConfig{Enabled: &enabled}
	r := NewRunner(cfg, config.EnvProduction, ws, testLogger())

	result, err := r.Run(context.Background(), Request{Script: "print('hi')"})
	if err == nil {
		t.Fatal("expected a fatal error for disabled sandbox in production")
	}
	if !strings.Contains(err.Error(), "production") {
		t.Errorf("error = %q, want mention of production", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
}

func TestRun_HostEcho(t *testing.T) {
	r, _ := newHostRunner(t)

	result, err := r.Run(context.Background(), Request{Script: "echo hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Errorf("success = false, stderr = %q, error = %q", result.Stderr, result.Error)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
	if result.ID == "" {
		t.Error("result has no run id")
	}
}

func TestRun_HostNonZeroExit(t *testing.T) {
	r, _ := newHostRunner(t)

	result, err := r.Run(context.Background(), Request{Script: "exit 3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Error("success = true, want false")
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if result.TimedOut {
		t.Error("timed out = true, want false")
	}
	if result.Error != "" {
		t.Errorf("error = %q, want empty for a plain non-zero exit", result.Error)
	}
}

func TestRun_EmptyScript(t *testing.T) {
	r, _ := newHostRunner(t)

	result, err := r.Run(context.Background(), Request{Script: "  \n\t"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Error("success = true, want false")
	}
	if result.Error != "empty script" {
		t.Errorf("error = %q, want %q", result.Error, "empty script")
	}
	if result.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", result.ExitCode)
	}
}

func TestRun_MissingRuntimeBinary(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	cfg := &config.SandboxConfig{Runtime: "nyumba-missing-runtime-xyz"}
	r := NewRunner(cfg, config.EnvDevelopment, ws, testLogger())

	result, err := r.Run(context.Background(), Request{Script: "print('hi')"})
	if err != nil {
		t.Fatalf("a missing runtime binary must yield a failed result, not an error: %v", err)
	}
	if result.Success {
		t.Error("success = true, want false")
	}
	if !strings.Contains(result.Error, "not found") {
		t.Errorf("error = %q, want mention of the missing binary", result.Error)
	}
}

func TestRun_HostTimeout(t *testing.T) {
	r, _ := newHostRunner(t)

	policy, err := r.Engine().Policy("minimal")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	policy = policy.WithTimeout(500 * time.Millisecond)

	start := time.Now()
	result, err := r.Run(context.Background(), Request{Script: "sleep 5", Policy: &policy})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.TimedOut {
		t.Fatalf("timed out = false, result = %+v", result)
	}
	if result.Success {
		t.Error("success = true, want false")
	}
	if result.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", result.ExitCode)
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("error = %q, want mention of timeout", result.Error)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("run took %v, process was not killed promptly", elapsed)
	}
}

func TestRun_HostEnvNotInherited(t *testing.T) {
	t.Setenv("NYUMBA_TEST_SECRET", "hunter2")
	r, _ := newHostRunner(t)

	result, err := r.Run(context.Background(), Request{
		Script: `printf 'secret=[%s]\n' "$NYUMBA_TEST_SECRET"`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Stdout, "secret=[]") {
		t.Errorf("host environment leaked into the script: stdout = %q", result.Stdout)
	}
}

func TestRun_RequestEnvPropagated(t *testing.T) {
	r, _ := newHostRunner(t)

	result, err := r.Run(context.Background(), Request{
		Script: `printf 'task=%s\n' "$NYUMBA_TASK"`,
		Env:    map[string]string{"NYUMBA_TASK": "report"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Stdout, "task=report") {
		t.Errorf("stdout = %q, want request env visible", result.Stdout)
	}
}

func TestRun_DataPathExposedOnHost(t *testing.T) {
	r, _ := newHostRunner(t)

	dataPath := filepath.Join(t.TempDir(), "input.json")
	if err := os.WriteFile(dataPath, []byte(`{"reading":42}`), 0o600); err != nil {
		t.Fatalf("write data: %v", err)
	}

	result, err := r.Run(context.Background(), Request{
		Script:   `cat "$NYUMBA_DATA_PATH"`,
		DataPath: dataPath,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Stdout, `"reading":42`) {
		t.Errorf("stdout = %q, want the data payload", result.Stdout)
	}
}

func TestRun_OutputDirExposedOnHost(t *testing.T) {
	r, _ := newHostRunner(t)

	outDir := t.TempDir()
	result, err := r.Run(context.Background(), Request{
		Script:     `printf hello > "$NYUMBA_OUTPUT_DIR/out.txt"`,
		OutputPath: outDir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, stderr = %q", result.Stderr)
	}
	data, err := os.ReadFile(filepath.Join(outDir, "out.txt"))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("artifact content = %q, want hello", data)
	}
}

func TestRun_ScriptFileRemoved(t *testing.T) {
	r, ws := newHostRunner(t)

	if _, err := r.Run(context.Background(), Request{Script: "echo done"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := os.ReadDir(ws.ScriptsDir())
	if err != nil {
		t.Fatalf("read scripts dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scripts dir not cleaned, %d entries remain", len(entries))
	}
}

func TestRun_DefaultPolicyWhenNil(t *testing.T) {
	r, _ := newHostRunner(t)

	result, err := r.Run(context.Background(), Request{Script: "true"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Policy != "standard" {
		t.Errorf("policy = %q, want standard", result.Policy)
	}
}

func TestRun_OutputCapped(t *testing.T) {
	r, _ := newHostRunner(t)

	// 2 MiB of output against a 1 MiB cap.
	result, err := r.Run(context.Background(), Request{
		Script: `dd if=/dev/zero bs=1024 count=2048 2>/dev/null | tr '\0' 'x'`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, stderr = %q, error = %q", result.Stderr, result.Error)
	}
	if len(result.Stdout) != maxOutputBytes {
		t.Errorf("stdout length = %d, want capped at %d", len(result.Stdout), maxOutputBytes)
	}
}

func TestLimitedWriter_Boundary(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 10}

	n, err := lw.Write([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 16 {
		t.Errorf("first write n = %d, want full length 16", n)
	}
	if got := buf.String(); got != "0123456789" {
		t.Errorf("buffer = %q, want first 10 bytes", got)
	}

	n, err = lw.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Errorf("post-cap write = (%d, %v), want (4, nil)", n, err)
	}
	if buf.Len() != 10 {
		t.Errorf("buffer grew past the cap: %d bytes", buf.Len())
	}
}

func TestRunContained_BasicPrint(t *testing.T) {
	r := newDockerRunner(t)

	result, err := r.Run(context.Background(), Request{Script: "print('hello from sandbox')"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, stderr = %q, error = %q", result.Stderr, result.Error)
	}
	if !strings.Contains(result.Stdout, "hello from sandbox") {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestRunContained_NetworkBlocked(t *testing.T) {
	r := newDockerRunner(t)

	policy, err := r.Engine().Policy("minimal")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	script := `
import socket
s = socket.socket()
s.settimeout(3)
try:
    s.connect(("1.1.1.1", 80))
    print("CONNECTED")
except OSError:
    print("BLOCKED")
`
	result, err := r.Run(context.Background(), Request{Script: script, Policy: &policy})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(result.Stdout, "CONNECTED") {
		t.Errorf("socket connect succeeded under network none: stdout = %q", result.Stdout)
	}
	if !strings.Contains(result.Stdout, "BLOCKED") {
		t.Errorf("stdout = %q, stderr = %q, want BLOCKED", result.Stdout, result.Stderr)
	}
}

func TestRunContained_RunsAsNobody(t *testing.T) {
	r := newDockerRunner(t)

	result, err := r.Run(context.Background(), Request{Script: "import os; print(os.getuid())"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "65534" {
		t.Errorf("uid = %q, want 65534", got)
	}
}

func TestRunContained_ReadOnlyRoot(t *testing.T) {
	r := newDockerRunner(t)

	script := `
try:
    open("/etc/nyumba-test", "w")
    print("WROTE")
except OSError:
    print("DENIED")
`
	result, err := r.Run(context.Background(), Request{Script: script})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Stdout, "DENIED") {
		t.Errorf("root filesystem writable: stdout = %q", result.Stdout)
	}
}

func TestRunContained_DataMount(t *testing.T) {
	r := newDockerRunner(t)

	dataPath := filepath.Join(t.TempDir(), "input.json")
	if err := os.WriteFile(dataPath, []byte(`{"rooms": 4}`), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}

	script := `
import os
path = os.environ["NYUMBA_DATA_PATH"]
print("path=" + path)
print(open(path).read())
`
	result, err := r.Run(context.Background(), Request{Script: script, DataPath: dataPath})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, stderr = %q, error = %q", result.Stderr, result.Error)
	}
	if !strings.Contains(result.Stdout, "path="+DataMountPath) {
		t.Errorf("stdout = %q, want data path env pointing at %s", result.Stdout, DataMountPath)
	}
	if !strings.Contains(result.Stdout, `"rooms": 4`) {
		t.Errorf("stdout = %q, want the payload content", result.Stdout)
	}
}

func TestRunContained_Timeout(t *testing.T) {
	r := newDockerRunner(t)

	policy, err := r.Engine().Policy("minimal")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	policy = policy.WithTimeout(2 * time.Second)

	result, err := r.Run(context.Background(), Request{
		Script: "import time; time.sleep(30)",
		Policy: &policy,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TimedOut {
		t.Fatalf("timed out = false, result = %+v", result)
	}
	if result.Duration > 15*time.Second {
		t.Errorf("duration = %v, container was not killed promptly", result.Duration)
	}
}

func TestRunContained_ContainerRemoved(t *testing.T) {
	r := newDockerRunner(t)

	if _, err := r.Run(context.Background(), Request{Script: "print('bye')"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := exec.Command("docker", "ps", "-a", "--filter", "name=nyumba-sbx-", "--format", "{{.Names}}").Output()
	if err != nil {
		t.Fatalf("docker ps: %v", err)
	}
	if leftover := strings.TrimSpace(string(out)); leftover != "" {
		t.Errorf("containers left behind: %s", leftover)
	}
}

func TestRunContained_OutputMountWritable(t *testing.T) {
	r := newDockerRunner(t)

	outDir := t.TempDir()
	// The container runs as nobody; the mount must be writable for it.
	if err := os.Chmod(outDir, 0o777); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	script := `
import os
out = os.environ["NYUMBA_OUTPUT_DIR"]
with open(os.path.join(out, "result.json"), "w") as f:
    f.write('{"ok": true}')
print("written to", out)
`
	result, err := r.Run(context.Background(), Request{Script: script, OutputPath: outDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, stderr = %q, error = %q", result.Stderr, result.Error)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "result.json"))
	if err != nil {
		t.Fatalf("artifact not written to host: %v", err)
	}
	if string(data) != `{"ok": true}` {
		t.Errorf("artifact content = %q", data)
	}
}
