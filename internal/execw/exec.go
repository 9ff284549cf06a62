// Package execw invokes external binaries (ip, iptables, sysctl, tar,
// mkfs.ext4, the jailer, the VMM) with explicit timeouts, distinguishing
// "must succeed" calls from best-effort "unchecked" ones. It generalises
// the run/runOutput helpers used ad hoc throughout the network driver into
// a single reusable wrapper shared by every host driver.
package execw

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/lobsterd/lobsterd/internal/errs"
)

// DefaultTimeout is applied to any call that does not specify one (§5:
// "default 30 s for exec").
const DefaultTimeout = 30 * time.Second

// Result carries the exit code and captured output of a completed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined returns stdout and stderr concatenated, trimmed.
func (r Result) Combined() string {
	return strings.TrimSpace(r.Stdout + r.Stderr)
}

// Runner runs external commands. The zero value is usable.
type Runner struct {
	// Env, if non-nil, is appended to the child's environment in addition
	// to the parent's. Nil means inherit only.
	Env []string
}

// Run executes name with args and waits up to timeout. It always returns a
// Result (even on failure) along with an error. A timeout produces a
// CodeExecTimeout error; any other non-zero exit produces CodeExecFailed.
// Use Run for "must succeed" semantics: check the returned error.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() == context.DeadlineExceeded {
		return res, errs.Wrapf(errs.CodeExecTimeout, runErr, "%s %s timed out after %s", name, strings.Join(args, " "), timeout)
	}
	if runErr != nil {
		return res, errs.Wrapf(errs.CodeExecFailed, runErr, "%s %s: %s", name, strings.Join(args, " "), res.Combined())
	}
	return res, nil
}

// Unchecked runs name with args and swallows any error beyond logging-shaped
// information in the returned Result; the caller decides whether a non-zero
// exit matters. Used for teardown steps that must proceed regardless of
// individual failures (evict, undo stacks).
func (r *Runner) Unchecked(ctx context.Context, timeout time.Duration, name string, args ...string) Result {
	res, _ := r.Run(ctx, timeout, name, args...)
	return res
}

// Output runs name with args and returns trimmed stdout on success.
func (r *Runner) Output(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	res, err := r.Run(ctx, timeout, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// New returns a Runner with no extra environment.
func New() *Runner { return &Runner{} }
