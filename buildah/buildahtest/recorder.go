// Package buildahtest provides a Builder that records calls instead of
// running buildah.
package buildahtest

import (
	"context"
	"strings"
)

type Recorder struct {
	Calls []string

	MountPoint string
	Output     string

	// Fail maps a verb ("pull", "from", "mount", "umount", "run", "commit")
	// to the error returned for it.
	Fail map[string]error
}

func (r *Recorder) record(verb string, args ...string) error {
	r.Calls = append(r.Calls, strings.Join(append([]string{verb}, args...), " "))
	return r.Fail[verb]
}

func (r *Recorder) Pull(ctx context.Context, image string) (string, error) {
	if err := r.record("pull", image); err != nil {
		return "", err
	}
	return r.Output, nil
}

func (r *Recorder) Create(ctx context.Context, image, container string, options []string) (string, error) {
	args := append([]string{"--name", container}, options...)
	if err := r.record("from", append(args, image)...); err != nil {
		return "", err
	}
	return container + "\n", nil
}

func (r *Recorder) Mount(ctx context.Context, container string) (string, error) {
	if err := r.record("mount", container); err != nil {
		return "", err
	}
	return r.MountPoint + "\n", nil
}

func (r *Recorder) Unmount(ctx context.Context, container string) error {
	return r.record("umount", container)
}

func (r *Recorder) Run(ctx context.Context, container string, options []string, command string, args []string) (string, error) {
	argv := append(append([]string(nil), options...), container, command)
	if err := r.record("run", append(argv, args...)...); err != nil {
		return "", err
	}
	return r.Output, nil
}

func (r *Recorder) Commit(ctx context.Context, container, image string) (string, error) {
	if err := r.record("commit", "--rm", container, image); err != nil {
		return "", err
	}
	return r.Output, nil
}
