// Package buildah drives the buildah command line tool.
package buildah

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/containerd/platforms"
)

const DefaultBinary = "buildah"

// Builder is the set of build tool operations the boot container lifecycle
// needs.
type Builder interface {
	Pull(ctx context.Context, image string) (string, error)
	Create(ctx context.Context, image, container string, options []string) (string, error)
	Mount(ctx context.Context, container string) (string, error)
	Unmount(ctx context.Context, container string) error
	Run(ctx context.Context, container string, options []string, command string, args []string) (string, error)
	Commit(ctx context.Context, container, image string) (string, error)
}

// ExecError is returned when the build tool cannot be run or exits with a
// non-zero status.
type ExecError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%q failed", strings.Join(e.Args, " "))
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s with exit code %d", msg, e.ExitCode)
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg = fmt.Sprintf("%s: %s", msg, s)
	}
	return msg
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Tool runs a buildah binary.
type Tool struct {
	path     string
	platform string
	stdout   io.Writer
	stderr   io.Writer
}

type Opt func(*Tool) error

// WithPlatform makes pull fetch the image for the given os/arch[/variant].
func WithPlatform(p string) Opt {
	return func(t *Tool) error {
		if p == "" {
			return nil
		}
		spec, err := platforms.Parse(p)
		if err != nil {
			return fmt.Errorf("invalid platform %q: %w", p, err)
		}
		t.platform = platforms.Format(spec)
		return nil
	}
}

// WithOutput sets where commands that do not capture their output write to.
func WithOutput(stdout, stderr io.Writer) Opt {
	return func(t *Tool) error {
		t.stdout, t.stderr = stdout, stderr
		return nil
	}
}

// New looks up binary in PATH and returns a Tool running it.
func New(binary string, opts ...Opt) (*Tool, error) {
	if binary == "" {
		binary = DefaultBinary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("build tool %q unavailable: %v: %w", binary, err, errdefs.ErrNotFound)
	}
	t := &Tool{path: path, stdout: os.Stdout, stderr: os.Stderr}
	for _, o := range opts {
		if err := o(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tool) Path() string {
	return t.path
}

func (t *Tool) Pull(ctx context.Context, image string) (string, error) {
	args := []string{"pull"}
	if t.platform != "" {
		args = append(args, "--platform", t.platform)
	}
	return t.capture(ctx, append(args, image)...)
}

func (t *Tool) Create(ctx context.Context, image, container string, options []string) (string, error) {
	args := append([]string{"from", "--name", container}, options...)
	return t.capture(ctx, append(args, image)...)
}

func (t *Tool) Mount(ctx context.Context, container string) (string, error) {
	return t.capture(ctx, "mount", container)
}

func (t *Tool) Unmount(ctx context.Context, container string) error {
	return t.redirect(ctx, "umount", container)
}

func (t *Tool) Run(ctx context.Context, container string, options []string, command string, args []string) (string, error) {
	argv := append([]string{"run"}, options...)
	argv = append(argv, container, command)
	return t.capture(ctx, append(argv, args...)...)
}

func (t *Tool) Commit(ctx context.Context, container, image string) (string, error) {
	return t.capture(ctx, "commit", "--rm", container, image)
}

func (t *Tool) capture(ctx context.Context, args ...string) (string, error) {
	log.G(ctx).WithField("args", args).Debugf("running %s", t.path)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), t.execError(args, stderr.String(), err)
	}
	return stdout.String(), nil
}

func (t *Tool) redirect(ctx context.Context, args ...string) error {
	log.G(ctx).WithField("args", args).Debugf("running %s", t.path)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.path, args...)
	cmd.Stdout = t.stdout
	cmd.Stderr = io.MultiWriter(t.stderr, &stderr)
	if err := cmd.Run(); err != nil {
		return t.execError(args, stderr.String(), err)
	}
	return nil
}

func (t *Tool) execError(args []string, stderr string, err error) error {
	e := &ExecError{
		Args:     append([]string{t.path}, args...),
		ExitCode: -1,
		Stderr:   stderr,
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.ExitCode = exitErr.ExitCode()
	}
	return e
}
