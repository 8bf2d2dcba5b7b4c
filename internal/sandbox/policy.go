package sandbox

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jkaninda/nyumba/internal/config"
)

// Level is the security level of a policy preset.
type Level string

const (
	LevelMinimal  Level = "minimal"
	LevelAnalysis Level = "analysis"
	LevelStandard Level = "standard"
	LevelExtended Level = "extended"
)

// NetworkMode controls the container network stack. Exactly one network
// flag is ever rendered; allowed hosts for the limited mode are advisory
// metadata enforced outside the container runtime.
type NetworkMode string

const (
	NetworkNone      NetworkMode = "none"
	NetworkLocalOnly NetworkMode = "local-only"
	NetworkLimited   NetworkMode = "limited"
)

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ResourceLimits constrains the sandboxed process tree.
type ResourceLimits struct {
	MemoryMB    int // hard limit; swap pinned to the same value
	CPUShares   int
	CPUPeriod   int
	CPUQuota    int
	PIDsLimit   int
	FDSoftLimit int
	FDHardLimit int
}

// Policy describes one sandbox configuration. Treat as immutable once
// built: derive variants with the With* methods, which copy, so a preset
// handed to one call can never leak mutations into another.
type Policy struct {
	Name         string
	Level        Level
	Timeout      time.Duration
	Network      NetworkMode
	AllowedHosts []string
	Mounts       []Mount
	TmpfsSizeMB  int
	Limits       ResourceLimits
	WorkDir      string
	User         string
	DropAllCaps  bool
	NoNewPrivs   bool

	// SeccompProfile is a host path to a seccomp profile JSON. Empty uses
	// the runtime's built-in default profile.
	SeccompProfile string

	// UseStrongIsolation requests the kernel-isolation runtime named by
	// IsolationRuntime (gVisor's runsc). The runner downgrades this when
	// the runtime is not installed.
	UseStrongIsolation bool
	IsolationRuntime   string
}

// WithTimeout returns a copy with the given wall-clock timeout.
func (p Policy) WithTimeout(d time.Duration) Policy {
	p.Timeout = d
	return p
}

// WithNetwork returns a copy with the given network mode and allowed hosts.
func (p Policy) WithNetwork(mode NetworkMode, allowedHosts ...string) Policy {
	p.Network = mode
	p.AllowedHosts = append([]string(nil), allowedHosts...)
	return p
}

// WithMount returns a copy with an additional bind mount. The mount slice
// is copied, never shared with the receiver.
func (p Policy) WithMount(source, target string, readOnly bool) Policy {
	mounts := make([]Mount, len(p.Mounts), len(p.Mounts)+1)
	copy(mounts, p.Mounts)
	p.Mounts = append(mounts, Mount{Source: source, Target: target, ReadOnly: readOnly})
	return p
}

// WithMemoryMB returns a copy with the given memory ceiling.
func (p Policy) WithMemoryMB(mb int) Policy {
	p.Limits.MemoryMB = mb
	return p
}

// Engine resolves named policy presets and applies config overrides.
type Engine struct {
	cfg *config.SandboxConfig
}

// NewEngine creates a policy engine over the sandbox config.
func NewEngine(cfg *config.SandboxConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Policy returns a fresh copy of the named preset with config overrides
// applied. Unknown names are an error, never a silent default.
func (e *Engine) Policy(name string) (Policy, error) {
	p, ok := buildPreset(name)
	if !ok {
		return Policy{}, fmt.Errorf("unknown sandbox policy %q", name)
	}

	if e.cfg != nil {
		if e.cfg.TimeoutSeconds > 0 {
			p.Timeout = time.Duration(e.cfg.TimeoutSeconds) * time.Second
		}
		if e.cfg.MaxMemoryMB > 0 {
			p.Limits.MemoryMB = e.cfg.MaxMemoryMB
		}
		if e.cfg.SeccompProfile != "" {
			p.SeccompProfile = e.cfg.SeccompProfile
		}
	}
	if p.UseStrongIsolation {
		p.IsolationRuntime = e.cfg.StrongIsolationRuntime()
	}

	return p, nil
}

// DefaultPolicy returns the configured default preset.
func (e *Engine) DefaultPolicy() Policy {
	p, err := e.Policy(e.cfg.PolicyName())
	if err != nil {
		// The name is validated at config load; this path only exists for
		// a zero-value engine.
		p, _ = e.Policy("standard")
	}
	return p
}

// buildPreset returns a fresh Policy for a preset name. Ceilings grow
// monotonically minimal < standard < extended; analysis sits between
// standard and extended with the long timeout data-science scripts need.
func buildPreset(name string) (Policy, bool) {
	base := Policy{
		Name:        name,
		Network:     NetworkNone,
		WorkDir:     "/tmp",
		User:        "65534:65534",
		DropAllCaps: true,
		NoNewPrivs:  true,
	}

	switch name {
	case "minimal":
		base.Level = LevelMinimal
		base.Timeout = 10 * time.Second
		base.TmpfsSizeMB = 16
		base.Limits = ResourceLimits{
			MemoryMB: 128, CPUShares: 256, CPUPeriod: 100000, CPUQuota: 50000,
			PIDsLimit: 16, FDSoftLimit: 128, FDHardLimit: 256,
		}
	case "standard":
		base.Level = LevelStandard
		base.Timeout = 30 * time.Second
		base.TmpfsSizeMB = 64
		base.Limits = ResourceLimits{
			MemoryMB: 512, CPUShares: 512, CPUPeriod: 100000, CPUQuota: 100000,
			PIDsLimit: 64, FDSoftLimit: 256, FDHardLimit: 512,
		}
	case "analysis":
		base.Level = LevelAnalysis
		base.Timeout = 120 * time.Second
		base.TmpfsSizeMB = 256
		base.UseStrongIsolation = true
		base.Limits = ResourceLimits{
			MemoryMB: 1024, CPUShares: 1024, CPUPeriod: 100000, CPUQuota: 200000,
			PIDsLimit: 128, FDSoftLimit: 512, FDHardLimit: 1024,
		}
	case "extended":
		base.Level = LevelExtended
		base.Timeout = 300 * time.Second
		base.TmpfsSizeMB = 512
		base.Network = NetworkLocalOnly
		base.Limits = ResourceLimits{
			MemoryMB: 2048, CPUShares: 2048, CPUPeriod: 100000, CPUQuota: 400000,
			PIDsLimit: 256, FDSoftLimit: 1024, FDHardLimit: 2048,
		}
	default:
		return Policy{}, false
	}

	return base, true
}

// PresetNames lists the valid preset names.
func PresetNames() []string {
	return []string{"minimal", "analysis", "standard", "extended"}
}

// ToRuntimeArgs renders a policy into the full container invocation for an
// OCI-compatible CLI: run --rm, isolation runtime, resource flags, network
// flag, read-only root, tmpfs, volume mounts, workdir, user, cap-drop,
// no-new-privileges, seccomp, then image, interpreter, and script path.
// Pure: no process is spawned and no state is read beyond the arguments.
func ToRuntimeArgs(p Policy, image, interpreter, scriptPath string) []string {
	args := []string{"run", "--rm"}
	args = append(args, policyFlags(p)...)
	args = append(args, image, interpreter, scriptPath)
	return args
}

// policyFlags renders the flag groups of the invocation contract, in
// order, without the leading "run --rm" or the trailing image and command.
func policyFlags(p Policy) []string {
	var args []string

	// Isolation runtime.
	if p.UseStrongIsolation && p.IsolationRuntime != "" {
		args = append(args, "--runtime="+p.IsolationRuntime)
	}

	// Resource limits. Memory and swap are pinned to the same value so the
	// kernel OOM-kills instead of swapping.
	memory := strconv.Itoa(p.Limits.MemoryMB) + "m"
	args = append(args,
		"--memory="+memory,
		"--memory-swap="+memory,
		"--cpu-shares="+strconv.Itoa(p.Limits.CPUShares),
		"--cpu-period="+strconv.Itoa(p.Limits.CPUPeriod),
		"--cpu-quota="+strconv.Itoa(p.Limits.CPUQuota),
		"--pids-limit="+strconv.Itoa(p.Limits.PIDsLimit),
		"--ulimit", fmt.Sprintf("nofile=%d:%d", p.Limits.FDSoftLimit, p.Limits.FDHardLimit),
	)

	// Exactly one network flag. Local-only and limited modes share the
	// bridge network; their host restrictions are enforced outside the
	// container runtime.
	switch p.Network {
	case NetworkLocalOnly, NetworkLimited:
		args = append(args, "--network=bridge")
	default:
		args = append(args, "--network=none")
	}

	// Read-only root with a writable tmpfs.
	tmpfsMB := p.TmpfsSizeMB
	if tmpfsMB <= 0 {
		tmpfsMB = 64
	}
	args = append(args,
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%dm", tmpfsMB),
	)

	// Volume mounts.
	for _, m := range p.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "--volume", m.Source+":"+m.Target+":"+mode)
	}

	// Working directory and user.
	workDir := p.WorkDir
	if workDir == "" {
		workDir = "/tmp"
	}
	user := p.User
	if user == "" {
		user = "65534:65534"
	}
	args = append(args, "--workdir", workDir, "--user", user)

	// Capability and privilege hardening.
	if p.DropAllCaps {
		args = append(args, "--cap-drop=ALL")
	}
	if p.NoNewPrivs {
		args = append(args, "--security-opt=no-new-privileges")
	}
	if p.SeccompProfile != "" {
		args = append(args, "--security-opt=seccomp="+p.SeccompProfile)
	}

	return args
}
