package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/workspace"
)

const (
	probeTimeout   = 5 * time.Second
	cleanupTimeout = 5 * time.Second
	killWaitDelay  = 5 * time.Second
)

// Runner executes analysis scripts under a sandbox policy.
//
// Security posture:
//   - Each run gets its own container (--rm, plus a deferred rm -f safety net)
//   - The script is always mounted read-only; the data payload likewise
//   - The host environment is never inherited by the script
//   - A policy that requests strong isolation is downgraded with a warning
//     when the isolation runtime is not installed, never silently
//   - Disabling sandboxing entirely is refused in production
type Runner struct {
	cfg         *config.SandboxConfig
	environment string
	engine      *Engine
	ws          *workspace.Workspace
	logger      *slog.Logger

	mu              sync.Mutex
	strongIsolation *bool // nil until the first probe
}

var _ ScriptRunner = (*Runner)(nil)

// NewRunner creates a script runner. The environment label decides whether
// a disabled sandbox is tolerated (development, staging) or fatal
// (production).
func NewRunner(cfg *config.SandboxConfig, environment string, ws *workspace.Workspace, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:         cfg,
		environment: environment,
		engine:      NewEngine(cfg),
		ws:          ws,
		logger:      logger,
	}
}

// Engine returns the policy engine backing this runner.
func (r *Runner) Engine() *Engine {
	return r.engine
}

// Run executes the script and always delivers a Result for anything that
// went wrong during execution: runtime binary missing, image absent in
// fail mode, spawn failure, timeout. The returned error is non-nil only
// for the fatal configuration case of sandboxing being disabled while the
// environment is production.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if !r.cfg.SandboxEnabled() {
		if r.environment == config.EnvProduction {
			return nil, fmt.Errorf("sandboxing is disabled in a production environment; refusing to execute")
		}
		r.logger.Warn("sandboxing disabled, executing script directly on the host",
			slog.String("environment", r.environment),
		)
		return r.runUnsandboxed(ctx, req), nil
	}
	return r.runContained(ctx, req), nil
}

// runContained executes the script in an ephemeral hardened container.
func (r *Runner) runContained(ctx context.Context, req Request) *Result {
	id := uuid.NewString()
	policy := r.resolvePolicy(req.Policy)

	if strings.TrimSpace(req.Script) == "" {
		return failedResult(id, policy.Name, "empty script")
	}

	runtimeBin, err := exec.LookPath(r.cfg.RuntimeBinary())
	if err != nil {
		return failedResult(id, policy.Name,
			fmt.Sprintf("container runtime %q not found on PATH; install it or disable sandboxing outside production", r.cfg.RuntimeBinary()))
	}

	// Downgrade before rendering: strong isolation and seccomp are dropped
	// together when the isolation runtime is unavailable.
	if policy.UseStrongIsolation && !r.strongIsolationAvailable() {
		r.logger.Warn("strong isolation runtime unavailable, downgrading policy",
			slog.String("policy", policy.Name),
			slog.String("runtime", policy.IsolationRuntime),
		)
		policy.UseStrongIsolation = false
		policy.SeccompProfile = ""
	}

	image, imageErr := r.resolveImage()
	if imageErr != nil {
		return failedResult(id, policy.Name, imageErr.Error())
	}

	scriptPath, err := r.writeScript(id, req.Script)
	if err != nil {
		return failedResult(id, policy.Name, fmt.Sprintf("writing script: %v", err))
	}
	defer os.Remove(scriptPath)

	// The script mount is always read-only; so is the data payload. The
	// output directory is the one writable mount a run ever gets.
	policy = policy.WithMount(scriptPath, ScriptMountPath, true)
	env := baseEnv(req.Env)
	if req.DataPath != "" {
		policy = policy.WithMount(req.DataPath, DataMountPath, true)
		env[DataPathEnv] = DataMountPath
	}
	if req.OutputPath != "" {
		policy = policy.WithMount(req.OutputPath, OutputMountPath, false)
		env[OutputDirEnv] = OutputMountPath
	}

	containerName, err := generateContainerName()
	if err != nil {
		return failedResult(id, policy.Name, fmt.Sprintf("generating container name: %v", err))
	}

	args := []string{"run", "--rm", "--name", containerName}
	args = append(args, policyFlags(policy)...)
	for _, kv := range sortedEnv(env) {
		args = append(args, "--env", kv)
	}
	args = append(args, image, r.cfg.InterpreterBinary(), ScriptMountPath)

	runCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, runtimeBin, args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = killWaitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	r.logger.Info("sandbox executing",
		slog.String("run_id", id),
		slog.String("container", containerName),
		slog.String("image", image),
		slog.String("policy", policy.Name),
		slog.Duration("timeout", policy.Timeout),
		slog.Int("memory_mb", policy.Limits.MemoryMB),
	)

	start := time.Now()
	runErr := cmd.Run()
	end := time.Now()

	// Safety net: --rm can fail to fire on OOM kill, daemon restart, or a
	// context cancel race.
	r.forceRemoveContainer(runtimeBin, containerName)

	result := &Result{
		ID:        id,
		Policy:    policy.Name,
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  end.Sub(start),
		StartedAt: start,
		EndedAt:   end,
		Sandboxed: true,
		Image:     image,
	}
	r.finish(result, runCtx, runErr, policy.Timeout)
	return result
}

// runUnsandboxed executes the script as a host process. Still applies
// process-group isolation, ulimits, an output cap, and a sanitized
// environment; this is a development convenience, not a security boundary.
func (r *Runner) runUnsandboxed(ctx context.Context, req Request) *Result {
	id := uuid.NewString()
	policy := r.resolvePolicy(req.Policy)

	if strings.TrimSpace(req.Script) == "" {
		return failedResult(id, policy.Name, "empty script")
	}

	scriptPath, err := r.writeScript(id, req.Script)
	if err != nil {
		return failedResult(id, policy.Name, fmt.Sprintf("writing script: %v", err))
	}
	defer os.Remove(scriptPath)

	workDir, err := os.MkdirTemp("", "nyumba-run-*")
	if err != nil {
		return failedResult(id, policy.Name, fmt.Sprintf("creating work dir: %v", err))
	}
	defer os.RemoveAll(workDir)

	env := baseEnv(req.Env)
	env["HOME"] = workDir
	env["TMPDIR"] = workDir
	if req.DataPath != "" {
		env[DataPathEnv] = req.DataPath
	}
	if req.OutputPath != "" {
		env[OutputDirEnv] = req.OutputPath
	}

	// ulimit wrapper with positional parameters: the interpreter and script
	// path are never interpolated into the shell string.
	memKB := policy.Limits.MemoryMB * 1024
	cpuSec := int(policy.Timeout / time.Second)
	if cpuSec < 1 {
		cpuSec = 1
	}
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, cpuSec,
	)

	runCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", shellScript, "_", r.cfg.InterpreterBinary(), scriptPath)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID kills the whole process group, including any
		// children the script spawned.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killWaitDelay

	var envList []string
	for _, kv := range sortedEnv(env) {
		envList = append(envList, kv)
	}
	cmd.Env = envList

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	r.logger.Info("executing script unsandboxed",
		slog.String("run_id", id),
		slog.String("policy", policy.Name),
		slog.String("dir", workDir),
		slog.Duration("timeout", policy.Timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	end := time.Now()

	result := &Result{
		ID:        id,
		Policy:    policy.Name,
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  end.Sub(start),
		StartedAt: start,
		EndedAt:   end,
	}
	r.finish(result, runCtx, runErr, policy.Timeout)
	return result
}

// finish interprets the process outcome into the result. Success requires
// exit code zero and no timeout.
func (r *Runner) finish(result *Result, runCtx context.Context, runErr error, timeout time.Duration) {
	switch {
	case runErr == nil:
		result.ExitCode = 0
		result.Success = true
	case runCtx.Err() != nil:
		result.ExitCode = -1
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.Error = fmt.Sprintf("execution timed out after %s", timeout)
			r.logger.Warn("sandbox run timed out",
				slog.String("run_id", result.ID),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", result.Duration),
			)
		} else {
			result.Error = "execution canceled"
		}
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Error = fmt.Sprintf("spawn failed: %v", runErr)
		}
	}

	if result.Error == "" {
		r.logger.Info("sandbox run completed",
			slog.String("run_id", result.ID),
			slog.Int("exit_code", result.ExitCode),
			slog.Duration("duration", result.Duration),
			slog.Int("stdout_bytes", len(result.Stdout)),
			slog.Int("stderr_bytes", len(result.Stderr)),
		)
	}
}

// resolvePolicy picks the request policy or the configured default.
func (r *Runner) resolvePolicy(p *Policy) Policy {
	if p != nil {
		return *p
	}
	return r.engine.DefaultPolicy()
}

// resolveImage returns the preferred analysis image, degrading to the
// generic interpreter image with a warning when it is absent. Scripts may
// then fail on missing libraries; that is accepted degraded behavior. In
// fail mode an absent preferred image aborts the run instead.
func (r *Runner) resolveImage() (string, error) {
	preferred := r.cfg.AnalysisImage()
	if r.imagePresent(preferred) {
		return preferred, nil
	}
	if r.cfg.FallbackMode() == "fail" {
		return "", fmt.Errorf("analysis image %q not present and image_fallback is %q", preferred, "fail")
	}
	fallback := r.cfg.FallbackImageName()
	r.logger.Warn("analysis image absent, using generic interpreter image",
		slog.String("preferred", preferred),
		slog.String("fallback", fallback),
	)
	return fallback, nil
}

// imagePresent reports whether the image exists locally.
func (r *Runner) imagePresent(image string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, r.cfg.RuntimeBinary(), "image", "inspect", image).Run() == nil
}

// strongIsolationAvailable probes whether the isolation runtime is
// registered with the container daemon. The probe result is cached for the
// lifetime of the runner.
func (r *Runner) strongIsolationAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.strongIsolation != nil {
		return *r.strongIsolation
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.cfg.RuntimeBinary(), "info", "--format", "{{json .Runtimes}}").Output()
	available := err == nil && strings.Contains(string(out), r.cfg.StrongIsolationRuntime())

	r.strongIsolation = &available
	r.logger.Info("strong isolation probe",
		slog.String("runtime", r.cfg.StrongIsolationRuntime()),
		slog.Bool("available", available),
	)
	return available
}

// writeScript persists the script to the restricted scripts directory.
func (r *Runner) writeScript(id, script string) (string, error) {
	path := filepath.Join(r.ws.ScriptsDir(), id+".py")
	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// forceRemoveContainer removes a container by name, best effort.
func (r *Runner) forceRemoveContainer(runtimeBin, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, runtimeBin, "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			r.logger.Warn("container force remove failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// failedResult builds a Result for a run that could not be performed.
func failedResult(id, policy, diagnostic string) *Result {
	now := time.Now()
	return &Result{
		ID:        id,
		Policy:    policy,
		Success:   false,
		ExitCode:  -1,
		Error:     diagnostic,
		StartedAt: now,
		EndedAt:   now,
	}
}

// baseEnv builds the sanitized environment: a minimal safe set plus the
// request extras. Host variables never leak through.
func baseEnv(extra map[string]string) map[string]string {
	env := map[string]string{
		"PATH":         "/usr/local/bin:/usr/bin:/bin",
		"HOME":         "/tmp",
		"LANG":         "en_US.UTF-8",
		"TERM":         "dumb",
		"MPLCONFIGDIR": "/tmp",
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// sortedEnv renders the environment map as deterministic KEY=value pairs.
func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// generateContainerName returns a unique name: nyumba-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "nyumba-sbx-" + hex.EncodeToString(b), nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded, not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		n, err := lw.w.Write(p[:lw.remaining])
		lw.remaining -= n
		if err != nil {
			return n, err
		}
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
