package utils

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// TODO: Make it a flag
const BootctrBin = "bootctr"
const BuildahBin = "buildah"

type Env struct {
	Workdir string
}

func (e Env) Path(name string) string {
	return filepath.Join(e.Workdir, name)
}

type TestSpec struct {
	Name         string
	Files        map[string]string
	Args         func(t *testing.T, env Env) []string
	Want         func(t *testing.T, env Env, out string)
	WantErr      bool
	ErrContains  string
	NeedsBuilder bool
	Finalize     func(t *testing.T, env Env)
}

func RunTests(t *testing.T, tests ...TestSpec) {
	if _, err := exec.LookPath(BootctrBin); err != nil {
		t.Skipf("%s not installed: %v", BootctrBin, err)
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.Name, func(t *testing.T) {
			if tt.NeedsBuilder {
				requireBuilder(t)
			} else {
				t.Parallel()
			}

			tmpdir, err := os.MkdirTemp("", "testbootctr")
			assert.NilError(t, err)
			t.Logf("test root: %v", tmpdir)
			defer func() {
				assert.NilError(t, os.RemoveAll(tmpdir))
			}()
			env := Env{Workdir: tmpdir}
			for name, contents := range tt.Files {
				assert.NilError(t, os.WriteFile(env.Path(name), []byte(contents), 0644))
			}
			if tt.Finalize != nil {
				defer tt.Finalize(t, env)
			}

			var stdout, stderr bytes.Buffer
			cmd := exec.Command(BootctrBin, tt.Args(t, env)...)
			cmd.Stdout = &stdout
			cmd.Stderr = io.MultiWriter(os.Stderr, &stderr)
			err = cmd.Run()
			if tt.WantErr || tt.ErrContains != "" {
				assert.Assert(t, err != nil, "bootctr succeeded unexpectedly")
				assert.Assert(t, is.Contains(stderr.String(), tt.ErrContains))
			} else {
				assert.NilError(t, err)
			}
			if tt.Want != nil {
				tt.Want(t, env, stdout.String())
			}
		})
	}
}

func requireBuilder(t *testing.T) {
	if _, err := exec.LookPath(BuildahBin); err != nil {
		t.Skipf("%s not installed: %v", BuildahBin, err)
	}
	if u, err := user.Current(); err != nil || u.Uid != "0" {
		t.Skip("requires root")
	}
}

func StringArgs(args ...string) func(t *testing.T, env Env) []string {
	return func(t *testing.T, env Env) []string { return args }
}

func WantString(wantstr string) func(t *testing.T, env Env, out string) {
	return func(t *testing.T, env Env, out string) {
		assert.Equal(t, out, wantstr)
	}
}

func ReadString(t *testing.T, p string) string {
	d, err := os.ReadFile(p)
	assert.NilError(t, err)
	return string(d)
}
