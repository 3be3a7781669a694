package kickstart

import (
	"context"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/ktock/bootctr/buildah/buildahtest"
	"github.com/ktock/bootctr/containers"
)

func parse(t *testing.T, s string) *Data {
	t.Helper()
	d, err := Parse(strings.NewReader(s))
	assert.NilError(t, err)
	return d
}

func TestParseRegistries(t *testing.T) {
	tests := []struct {
		line     string
		search   []string
		insecure []string
	}{
		{
			line:     "container_registries --search registry.fedoraproject.org,localhost:5000 --insecure localhost:5000",
			search:   []string{"registry.fedoraproject.org", "localhost:5000"},
			insecure: []string{"localhost:5000"},
		},
		{
			line:   "container_registries localhost:8000 registry.fedoraproject.org",
			search: []string{"localhost:8000", "registry.fedoraproject.org"},
		},
		{
			line:     "container_registries --insecure=a,b --insecure c",
			insecure: []string{"a", "b", "c"},
		},
	}
	for _, tt := range tests {
		d := parse(t, tt.line)
		assert.Assert(t, d.Registries != nil)
		assert.DeepEqual(t, d.Registries.Search, tt.search)
		assert.DeepEqual(t, d.Registries.Insecure, tt.insecure)
	}
}

func TestParseStorage(t *testing.T) {
	d := parse(t, `container_storage runroot=/var/lib/containers graphroot=/var/run/containers driver=overlay options.size=10G options.thinpool.autoextend_percent=20 'options.additionalimagestores=["/a", "/b"]'`)
	assert.DeepEqual(t, d.Storage.Options, map[string]any{
		"runroot":                             "/var/lib/containers",
		"graphroot":                           "/var/run/containers",
		"driver":                              "overlay",
		"options.size":                        "10G",
		"options.thinpool.autoextend_percent": int64(20),
		"options.additionalimagestores":       []any{"/a", "/b"},
	})
}

func TestParseBootImageAndOptions(t *testing.T) {
	d := parse(t, `
# boot container
container_boot_image fedora:latest
container_boot_options --nodefaults -- -v /boot:/boot -v /etc:/etc
`)
	assert.Equal(t, d.BootImage.Image, "fedora:latest")
	assert.Assert(t, d.BootOptions.NoDefaults)
	assert.DeepEqual(t, d.BootOptions.Options, []string{"-v", "/boot:/boot", "-v", "/etc:/etc"})
	assert.Assert(t, is.Nil(d.Registries))
	assert.Assert(t, is.Nil(d.Storage))
}

func TestParseSkipsOtherCommands(t *testing.T) {
	d := parse(t, `lang en_US.UTF-8
%packages
container_boot_image not-this-one
%end
container_boot_image first
container_boot_image second
`)
	assert.Equal(t, d.BootImage.Image, "second")
}

func TestParseStandaloneDirectives(t *testing.T) {
	d := parse(t, `%include /tmp/part.ks
container_boot_image fedora:latest
%ksappend /tmp/extra.ks
container_registries --search quay.io
%post --nochroot
container_boot_image not-this-one
%end
`)
	assert.Equal(t, d.BootImage.Image, "fedora:latest")
	assert.DeepEqual(t, d.Registries.Search, []string{"quay.io"})
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{
		"container_boot_image",
		"container_boot_image a b",
		"container_storage driver",
		"container_storage =x",
		"container_registries --unknown x",
		"container_boot_options -v /boot:/boot",
		`container_boot_image "unterminated`,
	} {
		_, err := Parse(strings.NewReader(s))
		assert.Assert(t, errdefs.IsInvalidArgument(err), "%q: got %v", s, err)
		assert.ErrorContains(t, err, "line 1")
	}
}

func TestApply(t *testing.T) {
	c := containers.NewController(&buildahtest.Recorder{})
	var changed []containers.Property
	c.OnChange(func(p containers.Property) { changed = append(changed, p) })

	d := parse(t, `container_registries --search quay.io
container_boot_image fedora:latest
`)
	d.Apply(context.Background(), c)

	assert.DeepEqual(t, c.SearchRegistries(), []string{"quay.io"})
	assert.Equal(t, c.BootImage(), "fedora:latest")
	assert.DeepEqual(t, changed, []containers.Property{
		containers.SearchRegistries, containers.InsecureRegistries, containers.BootImage,
	})
}

func TestGenerate(t *testing.T) {
	c := containers.NewController(&buildahtest.Recorder{})
	s, err := Generate(c)
	assert.NilError(t, err)
	assert.Equal(t, s, "")

	c.SetSearchRegistries([]string{"registry.fedoraproject.org", "localhost:5000"})
	c.SetInsecureRegistries([]string{"localhost:5000"})
	c.SetStorage(map[string]any{
		"driver":                              "overlay",
		"options.size":                        "10G",
		"options.thinpool.autoextend_percent": int64(20),
		"options.mountopt":                    "nodev metacopy",
		"quoted":                              "20",
		"options.additionalimagestores":       []any{"/a", "/b"},
	})
	c.SetBootImage("fedora:latest")
	c.SetBootContainerOptions([]string{"-v", "/boot:/boot", "--cap-add", "ALL"})

	s, err = Generate(c)
	assert.NilError(t, err)
	assert.Equal(t, strings.Count(s, "\n"), 4)

	again := containers.NewController(&buildahtest.Recorder{})
	parse(t, s).Apply(context.Background(), again)
	assert.DeepEqual(t, again.SearchRegistries(), c.SearchRegistries())
	assert.DeepEqual(t, again.InsecureRegistries(), c.InsecureRegistries())
	assert.DeepEqual(t, again.Storage(), c.Storage())
	assert.Equal(t, again.BootImage(), c.BootImage())
	assert.DeepEqual(t, again.BootContainerOptions(), c.BootContainerOptions())
}

func TestCommands(t *testing.T) {
	assert.DeepEqual(t, Commands, []string{
		"container_registries",
		"container_storage",
		"container_boot_image",
		"container_boot_options",
	})
}
