// Package sandbox executes LLM-generated analysis scripts in ephemeral,
// hardened containers. Scripts never run directly on the host unless
// sandboxing is explicitly disabled, which is refused outright in a
// production environment.
package sandbox

import (
	"context"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty scripts.
	maxOutputBytes = 1 << 20 // 1 MB

	// ScriptMountPath is where the script is mounted read-only inside the
	// container.
	ScriptMountPath = "/sandbox/script.py"

	// DataMountPath is the fixed in-container location of the optional
	// read-only data payload. Generated scripts read their input here.
	DataMountPath = "/sandbox/data/input.json"

	// OutputMountPath is the conventional writable location for artifacts.
	// The caller supplies the backing host directory as a policy mount.
	OutputMountPath = "/sandbox/out"

	// DataPathEnv tells the script where its input payload lives. Set to
	// DataMountPath in a container, or the host path when unsandboxed.
	DataPathEnv = "NYUMBA_DATA_PATH"

	// OutputDirEnv tells the script where to write artifacts. Set to
	// OutputMountPath in a container, or the host directory when
	// unsandboxed.
	OutputDirEnv = "NYUMBA_OUTPUT_DIR"
)

// ScriptRunner executes a script and always returns a structured result.
type ScriptRunner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Request defines one script execution.
type Request struct {
	// Script is the source text, written to an ephemeral file for the run.
	Script string

	// Policy overrides the configured default. Nil uses the default.
	Policy *Policy

	// DataPath is an optional host file mounted read-only at DataMountPath.
	DataPath string

	// OutputPath is an optional host directory mounted writable at
	// OutputMountPath. It is the only writable mount a run receives;
	// artifact egress validation inspects it after the run.
	OutputPath string

	// Env adds extra variables on top of the sanitized base environment.
	// The host process environment is never inherited.
	Env map[string]string
}

// Result captures the outcome of one script run. Success is true only
// when the script exited zero without timing out or failing to spawn.
type Result struct {
	ID        string        `json:"id"`
	Success   bool          `json:"success"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
	Policy    string        `json:"policy"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`

	// Sandboxed reports whether the run was actually contained. False
	// means the runner degraded to host execution.
	Sandboxed bool `json:"sandboxed"`
	// Image is the container image used; empty for host runs.
	Image string `json:"image,omitempty"`

	// Error carries the diagnostic when the run could not be performed
	// (runtime binary missing, spawn failure). Empty on a clean run.
	Error string `json:"error,omitempty"`
}
