// Package sandbox builds the Landlock ruleset used to confine
// pre/post-install hook execution.
//
// go-landlock's Restrict call applies rules to the CALLING process, so
// confining only a child command means applying the rules after fork
// but before the hook's exec, the same "apply in the child, between
// fork and exec" shape every Landlock-using sandbox needs. This package
// gets there with a self-reexec: Run launches the current executable
// with a hidden env var carrying the serialized ruleset; cmd/soar's
// entrypoint recognizes that env var at the very top of main (before
// any other work) and calls ApplyAndExec, which restricts the freshly
// forked process and then syscall.Exec's the real hook command,
// replacing its own image. Every rule (paths, ports) is computed and
// serialized by the parent before the fork; the child side only ever
// calls Landlock syscalls and execve, satisfying the async-signal-safe
// requirement.
package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/landlock-lsm/go-landlock/landlock"

	"github.com/pkgforge-go/soar/internal/soarerr"
)

const reexecEnvVar = "SOAR_LANDLOCK_RULES"

// Spec is the serializable ruleset a hook invocation runs under.
type Spec struct {
	Command    string   `json:"command"`
	ReadPaths  []string `json:"read_paths"`
	WritePaths []string `json:"write_paths"`
	AllowAll   bool     `json:"allow_all"`
	TCPPorts   []uint16 `json:"tcp_ports"`
}

var standardReadPaths = []string{
	"/usr", "/lib", "/lib64", "/bin", "/sbin",
	"/etc/ld.so.cache", "/etc/ld.so.conf", "/etc/ld.so.conf.d",
	"/etc/ssl/certs", "/etc/ca-certificates", "/etc/pki",
	"/etc/resolv.conf", "/etc/hosts", "/etc/passwd", "/etc/group",
	"/etc/nsswitch.conf", "/etc/localtime",
	"/proc", "/sys",
	"/dev/null", "/dev/zero", "/dev/urandom", "/dev/random",
	"/dev/fd", "/dev/stdin", "/dev/stdout", "/dev/stderr", "/dev/tty",
}

var standardWritePaths = []string{
	"/dev/null", "/dev/zero", "/dev/tty", "/dev/stdin", "/dev/stdout",
	"/dev/stderr", "/dev/fd", "/dev/pts", "/dev/ptmx", "/tmp",
}

// Builder accumulates caller-supplied paths/ports on top of the
// standard set before Run launches the hook.
type Builder struct {
	extraReadPaths  []string
	extraWritePaths []string
	tcpPorts        []uint16
	allowAll        bool
	withXDGUserDirs bool
}

func New() *Builder { return &Builder{} }

func (b *Builder) AllowReadPath(path string) *Builder {
	b.extraReadPaths = append(b.extraReadPaths, path)
	return b
}

func (b *Builder) AllowWritePath(path string) *Builder {
	b.extraWritePaths = append(b.extraWritePaths, path)
	return b
}

func (b *Builder) AllowTCPPort(port uint16) *Builder {
	b.tcpPorts = append(b.tcpPorts, port)
	return b
}

func (b *Builder) AllowAllNetwork() *Builder {
	b.allowAll = true
	return b
}

func (b *Builder) WithXDGUserDirs(home string) *Builder {
	b.withXDGUserDirs = true
	if home != "" {
		b.extraWritePaths = append(b.extraWritePaths,
			home+"/.config", home+"/.local/share", home+"/.cache")
	}
	return b
}

func (b *Builder) buildSpec(workDir, command string) Spec {
	wd, err := os.Getwd()
	if workDir != "" {
		wd = workDir
	} else if err != nil {
		wd = "."
	}
	write := append([]string{wd}, standardWritePaths...)
	write = append(write, b.extraWritePaths...)
	read := append(append([]string{}, standardReadPaths...), b.extraReadPaths...)
	return Spec{
		Command:    command,
		ReadPaths:  dedupExisting(read),
		WritePaths: dedupExisting(write),
		AllowAll:   b.allowAll,
		TCPPorts:   b.tcpPorts,
	}
}

// dedupExisting drops paths that don't exist on this system (Landlock
// rule construction fails hard on a missing path) and de-duplicates.
func dedupExisting(paths []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Run executes command under the sandbox by self-reexecing the current
// binary with the serialized ruleset in the environment. When the
// current executable's path cannot be determined, it runs the command
// via RunUnrestricted instead. On a kernel without Landlock the reexec
// side (ApplyAndExec) prints a warning and still runs the hook, just
// unconfined.
func (b *Builder) Run(workDir, command string) error {
	spec := b.buildSpec(workDir, command)
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("sandbox: encode ruleset: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return RunUnrestricted(workDir, command)
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(), reexecEnvVar+"="+string(payload))
	cmd.Dir = workDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// RunUnrestricted runs command with no Landlock confinement, the
// documented fallback when no ABI version is supported or reexec isn't
// available.
func RunUnrestricted(workDir, command string) error {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ReexecRulesPending reports whether this process was launched as a
// sandboxed hook reexec; cmd/soar's main() must check this before doing
// anything else and, if true, call ApplyAndExec immediately.
func ReexecRulesPending() bool {
	return os.Getenv(reexecEnvVar) != ""
}

// ApplyAndExec is the reexec-side entrypoint: it restricts the current
// (freshly forked) process per the serialized Spec and then replaces
// its own image with `sh -c command` via syscall.Exec. It never
// returns on success.
func ApplyAndExec() error {
	raw := os.Getenv(reexecEnvVar)
	var spec Spec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return fmt.Errorf("sandbox: decode ruleset: %w", err)
	}

	if err := restrict(spec); err != nil {
		// No supported ABI, or rule construction failed: warn and run
		// unrestricted rather than fail the hook outright.
		fmt.Fprintf(os.Stderr, "soar: sandbox unavailable, running hook unrestricted: %v\n", err)
	}

	shPath, err := exec.LookPath("sh")
	if err != nil {
		return fmt.Errorf("sandbox: locate sh: %w", err)
	}
	argv := []string{"sh", "-c", spec.Command}
	return syscall.Exec(shPath, argv, os.Environ())
}

// restrict probes ABI versions newest-first, using the first one the
// running kernel accepts. Network rules (bind/connect TCP) only exist
// from V4 onward, so the port set silently stops applying below that,
// which is the degradation the probe order encodes.
func restrict(spec Spec) error {
	abis := []landlock.Config{landlock.V4, landlock.V3, landlock.V2, landlock.V1}

	var pathRules []landlock.Rule
	if len(spec.ReadPaths) > 0 {
		pathRules = append(pathRules, landlock.RODirs(spec.ReadPaths...))
	}
	if len(spec.WritePaths) > 0 {
		pathRules = append(pathRules, landlock.RWDirs(spec.WritePaths...))
	}
	var netRules []landlock.Rule
	if !spec.AllowAll {
		for _, port := range spec.TCPPorts {
			netRules = append(netRules, landlock.ConnectTCP(port), landlock.BindTCP(port))
		}
	}

	var lastErr error
	for i, abi := range abis {
		rules := pathRules
		if i == 0 {
			rules = append(append([]landlock.Rule{}, pathRules...), netRules...)
		}
		err := abi.Restrict(rules...)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: no supported landlock ABI: %v", soarerr.ErrSandboxExecution, lastErr)
}
