package buildah

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

// fakeBuildah logs its argv to the calls file next to it and prints a
// canned answer per verb.
const fakeBuildah = `#!/bin/sh
echo "$*" >> "$(dirname "$0")/calls"
case "$1" in
mount)
	echo "/var/lib/containers/storage/overlay/0123/merged"
	;;
umount)
	echo "$2"
	;;
pull)
	for a in "$@"; do last="$a"; done
	if [ "$last" = "missing:latest" ]; then
		echo "missing:latest: image not known" >&2
		exit 125
	fi
	echo "sha256:abcd"
	;;
*)
	echo "ok"
	;;
esac
`

func newFakeTool(t *testing.T, opts ...Opt) (*Tool, *fs.Dir) {
	t.Helper()
	dir := fs.NewDir(t, "bootctr-buildah", fs.WithFile("buildah", fakeBuildah, fs.WithMode(0755)))
	t.Cleanup(dir.Remove)
	tool, err := New(dir.Join("buildah"), opts...)
	assert.NilError(t, err)
	return tool, dir
}

func calls(t *testing.T, dir *fs.Dir) []string {
	t.Helper()
	data, err := os.ReadFile(dir.Join("calls"))
	assert.NilError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestToolArgs(t *testing.T) {
	var stdout bytes.Buffer
	tool, dir := newFakeTool(t, WithOutput(&stdout, &bytes.Buffer{}))
	ctx := context.Background()

	out, err := tool.Pull(ctx, "fedora:latest")
	assert.NilError(t, err)
	assert.Equal(t, out, "sha256:abcd\n")

	_, err = tool.Create(ctx, "fedora:latest", "boot-container", []string{"-v", "/boot:/boot"})
	assert.NilError(t, err)

	out, err = tool.Mount(ctx, "boot-container")
	assert.NilError(t, err)
	assert.Equal(t, out, "/var/lib/containers/storage/overlay/0123/merged\n")

	_, err = tool.Run(ctx, "boot-container", []string{"--isolation", "chroot"}, "dnf", []string{"install", "-y", "kernel"})
	assert.NilError(t, err)

	assert.NilError(t, tool.Unmount(ctx, "boot-container"))
	assert.Equal(t, stdout.String(), "boot-container\n")

	_, err = tool.Commit(ctx, "boot-container", "boot:latest")
	assert.NilError(t, err)

	assert.DeepEqual(t, calls(t, dir), []string{
		"pull fedora:latest",
		"from --name boot-container -v /boot:/boot fedora:latest",
		"mount boot-container",
		"run --isolation chroot boot-container dnf install -y kernel",
		"umount boot-container",
		"commit --rm boot-container boot:latest",
	})
}

func TestToolPullPlatform(t *testing.T) {
	tool, dir := newFakeTool(t, WithPlatform("linux/amd64"))
	_, err := tool.Pull(context.Background(), "fedora:latest")
	assert.NilError(t, err)
	assert.DeepEqual(t, calls(t, dir), []string{"pull --platform linux/amd64 fedora:latest"})
}

func TestToolInvalidPlatform(t *testing.T) {
	dir := fs.NewDir(t, "bootctr-buildah", fs.WithFile("buildah", fakeBuildah, fs.WithMode(0755)))
	defer dir.Remove()
	_, err := New(dir.Join("buildah"), WithPlatform("not a platform!"))
	assert.ErrorContains(t, err, "invalid platform")
}

func TestToolExecError(t *testing.T) {
	tool, _ := newFakeTool(t)
	_, err := tool.Pull(context.Background(), "missing:latest")

	var execErr *ExecError
	assert.Assert(t, errors.As(err, &execErr))
	assert.Equal(t, execErr.ExitCode, 125)
	assert.Equal(t, execErr.Stderr, "missing:latest: image not known\n")
	assert.Equal(t, execErr.Args[len(execErr.Args)-1], "missing:latest")
	assert.Assert(t, is.Contains(err.Error(), "exit code 125"))
	assert.Assert(t, is.Contains(err.Error(), "image not known"))
}

func TestNewMissingBinary(t *testing.T) {
	_, err := New("bootctr-no-such-buildah")
	assert.Assert(t, errdefs.IsNotFound(err))
}
