// Package kickstart handles the installer-script commands that configure the
// boot container.
package kickstart

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/shlex"
	"github.com/kballard/go-shellquote"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"github.com/ktock/bootctr/containers"
)

const (
	CmdRegistries  = "container_registries"
	CmdStorage     = "container_storage"
	CmdBootImage   = "container_boot_image"
	CmdBootOptions = "container_boot_options"
)

// Commands lists the commands handled by this package.
var Commands = []string{CmdRegistries, CmdStorage, CmdBootImage, CmdBootOptions}

// Data is the parsed form of the commands. A nil field means the command
// did not appear.
type Data struct {
	Registries  *Registries
	Storage     *Storage
	BootImage   *BootImage
	BootOptions *BootOptions
}

type Registries struct {
	Search   []string
	Insecure []string
}

type Storage struct {
	Options map[string]any
}

type BootImage struct {
	Image string
}

type BootOptions struct {
	NoDefaults bool
	Options    []string
}

// Parse reads commands from r. Commands it does not handle, other %
// directives and the bodies of %sections are skipped. When a command appears more than once the last one
// wins.
func Parse(r io.Reader) (*Data, error) {
	d := &Data{}
	sc := bufio.NewScanner(r)
	inSection := false
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if inSection {
			if strings.HasPrefix(line, "%end") {
				inSection = false
			}
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "%") {
			inSection = isSection(line)
			continue
		}
		words, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v: %w", n, err, errdefs.ErrInvalidArgument)
		}
		if len(words) == 0 {
			continue
		}
		if err := d.parseCommand(words[0], words[1:]); err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", n, words[0], err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// sections are the % directives that open a body closed by %end. Other %
// lines such as %include and %ksappend stand alone.
var sections = []string{"%pre", "%pre-install", "%post", "%packages", "%addon", "%anaconda", "%onerror", "%traceback"}

func isSection(line string) bool {
	name := strings.Fields(line)[0]
	for _, s := range sections {
		if name == s {
			return true
		}
	}
	return false
}

func (d *Data) parseCommand(name string, args []string) (err error) {
	switch name {
	case CmdRegistries:
		d.Registries, err = parseRegistries(args)
	case CmdStorage:
		d.Storage, err = parseStorage(args)
	case CmdBootImage:
		d.BootImage, err = parseBootImage(args)
	case CmdBootOptions:
		d.BootOptions, err = parseBootOptions(args)
	}
	return err
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func invalid(err error) error {
	return fmt.Errorf("%v: %w", err, errdefs.ErrInvalidArgument)
}

// parseRegistries accepts "--search a,b --insecure c". Positional arguments
// are taken as search registries.
func parseRegistries(args []string) (*Registries, error) {
	fs := newFlagSet(CmdRegistries)
	search := fs.StringSlice("search", nil, "registries searched for unqualified image names")
	insecure := fs.StringSlice("insecure", nil, "registries allowed without TLS verification")
	if err := fs.Parse(args); err != nil {
		return nil, invalid(err)
	}
	return &Registries{
		Search:   append(*search, fs.Args()...),
		Insecure: *insecure,
	}, nil
}

func parseStorage(args []string) (*Storage, error) {
	fs := newFlagSet(CmdStorage)
	if err := fs.Parse(args); err != nil {
		return nil, invalid(err)
	}
	opts := make(map[string]any)
	for _, a := range fs.Args() {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, invalid(fmt.Errorf("expected key=value, got %q", a))
		}
		opts[k] = ParseValue(v)
	}
	return &Storage{Options: opts}, nil
}

func parseBootImage(args []string) (*BootImage, error) {
	fs := newFlagSet(CmdBootImage)
	if err := fs.Parse(args); err != nil {
		return nil, invalid(err)
	}
	if fs.NArg() != 1 {
		return nil, invalid(fmt.Errorf("expected one image, got %d arguments", fs.NArg()))
	}
	return &BootImage{Image: fs.Arg(0)}, nil
}

// parseBootOptions accepts "[--nodefaults] -- <buildah from options...>".
func parseBootOptions(args []string) (*BootOptions, error) {
	fs := newFlagSet(CmdBootOptions)
	noDefaults := fs.Bool("nodefaults", false, "do not add default options")
	if err := fs.Parse(args); err != nil {
		return nil, invalid(err)
	}
	return &BootOptions{NoDefaults: *noDefaults, Options: fs.Args()}, nil
}

// ParseValue reads v as a TOML value so that numbers, booleans and arrays
// keep their type. Anything else is a plain string.
func ParseValue(v string) any {
	var m map[string]any
	if err := toml.Unmarshal([]byte("v = "+v), &m); err != nil {
		return v
	}
	return m["v"]
}

// FormatValue is the inverse of ParseValue.
func FormatValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		if p, ok := ParseValue(s).(string); ok && p == s {
			return s, nil
		}
	}
	b, err := toml.Marshal(map[string]any{"v": v})
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimPrefix(string(b), "v = "), "\n"), nil
}

// Apply stores the commands that were seen in c.
func (d *Data) Apply(ctx context.Context, c *containers.Controller) {
	log.G(ctx).Debug("processing kickstart data")
	if d.Registries != nil {
		c.SetSearchRegistries(d.Registries.Search)
		c.SetInsecureRegistries(d.Registries.Insecure)
	}
	if d.Storage != nil {
		c.SetStorage(d.Storage.Options)
	}
	if d.BootImage != nil {
		c.SetBootImage(d.BootImage.Image)
	}
	if d.BootOptions != nil {
		c.SetBootContainerOptions(d.BootOptions.Options)
	}
}

// Generate renders the state of c as commands. Empty state produces no
// command.
func Generate(c *containers.Controller) (string, error) {
	var lines []string
	search, insecure := c.SearchRegistries(), c.InsecureRegistries()
	if len(search) > 0 || len(insecure) > 0 {
		args := []string{CmdRegistries}
		if len(search) > 0 {
			args = append(args, "--search", strings.Join(search, ","))
		}
		if len(insecure) > 0 {
			args = append(args, "--insecure", strings.Join(insecure, ","))
		}
		lines = append(lines, shellquote.Join(args...))
	}
	if storage := c.Storage(); len(storage) > 0 {
		keys := make([]string, 0, len(storage))
		for k := range storage {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		args := []string{CmdStorage}
		for _, k := range keys {
			v, err := FormatValue(storage[k])
			if err != nil {
				return "", fmt.Errorf("cannot format storage option %q: %w", k, err)
			}
			args = append(args, k+"="+v)
		}
		lines = append(lines, shellquote.Join(args...))
	}
	if image := c.BootImage(); image != "" {
		lines = append(lines, shellquote.Join(CmdBootImage, image))
	}
	if opts := c.BootContainerOptions(); len(opts) > 0 {
		lines = append(lines, shellquote.Join(append([]string{CmdBootOptions, "--"}, opts...)...))
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}
