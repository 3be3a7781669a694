// Package containers prepares the boot container: it writes the registry
// and storage configuration and drives the build tool through the
// pull, create, mount, commit lifecycle.
package containers

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/distribution/reference"

	"github.com/ktock/bootctr/buildah"
	"github.com/ktock/bootctr/config"
)

const (
	DefaultRegistriesConfPath = "/etc/containers/registries.conf"
	DefaultStorageConfPath    = "/etc/containers/storage.conf"

	// BootContainerName is the working container the boot image is
	// assembled in.
	BootContainerName = "boot-container"
	// BootImageTag is the image the boot container is committed to.
	BootImageTag = "boot:latest"
)

// Property names a piece of controller state.
type Property string

const (
	SearchRegistries        Property = "SearchRegistries"
	InsecureRegistries      Property = "InsecureRegistries"
	Storage                 Property = "Storage"
	BootImage               Property = "BootImage"
	BootContainerOptions    Property = "BootContainerOptions"
	BootContainerMountPoint Property = "BootContainerMountPoint"
)

// Controller owns the boot container state. It is not safe for concurrent
// use; callers sharing one must serialize access.
type Controller struct {
	builder buildah.Builder

	searchRegistries     []string
	insecureRegistries   []string
	storage              map[string]any
	bootImage            string
	bootContainerOptions []string
	mountPoint           string

	observers []func(Property)
}

func NewController(b buildah.Builder) *Controller {
	return &Controller{builder: b}
}

// OnChange registers fn to be called after every setter call, including
// calls that store a value equal to the current one.
func (c *Controller) OnChange(fn func(Property)) {
	c.observers = append(c.observers, fn)
}

func (c *Controller) changed(p Property) {
	for _, fn := range c.observers {
		fn(p)
	}
}

func (c *Controller) SearchRegistries() []string {
	return slices.Clone(c.searchRegistries)
}

func (c *Controller) SetSearchRegistries(r []string) {
	c.searchRegistries = slices.Clone(r)
	c.changed(SearchRegistries)
}

func (c *Controller) InsecureRegistries() []string {
	return slices.Clone(c.insecureRegistries)
}

func (c *Controller) SetInsecureRegistries(r []string) {
	c.insecureRegistries = slices.Clone(r)
	c.changed(InsecureRegistries)
}

// Storage returns the storage options keyed by dotted path below the
// storage table.
func (c *Controller) Storage() map[string]any {
	return maps.Clone(c.storage)
}

func (c *Controller) SetStorage(s map[string]any) {
	c.storage = maps.Clone(s)
	c.changed(Storage)
}

func (c *Controller) BootImage() string {
	return c.bootImage
}

func (c *Controller) SetBootImage(image string) {
	c.bootImage = image
	c.changed(BootImage)
}

func (c *Controller) BootContainerOptions() []string {
	return slices.Clone(c.bootContainerOptions)
}

func (c *Controller) SetBootContainerOptions(o []string) {
	c.bootContainerOptions = slices.Clone(o)
	c.changed(BootContainerOptions)
}

// BootContainerMountPoint is where the boot container is mounted, or "" when
// it is not.
func (c *Controller) BootContainerMountPoint() string {
	return c.mountPoint
}

func (c *Controller) SetBootContainerMountPoint(p string) {
	c.mountPoint = p
	c.changed(BootContainerMountPoint)
}

// ConfigureRegistries writes the search and insecure registry lists into the
// registries.conf at path. An empty list leaves the file's value alone.
func (c *Controller) ConfigureRegistries(ctx context.Context, path string) error {
	doc, err := config.Load(path)
	if err != nil {
		return err
	}
	updates := make(map[string]any)
	if len(c.searchRegistries) > 0 {
		updates["search.registries"] = c.searchRegistries
	}
	if len(c.insecureRegistries) > 0 {
		updates["insecure.registries"] = c.insecureRegistries
	}
	if len(updates) == 0 {
		log.G(ctx).Debugf("no registries to write to %q", path)
		return nil
	}
	if doc, err = config.Merge(doc, updates, "registries"); err != nil {
		return fmt.Errorf("cannot configure registries in %q: %w", path, err)
	}
	log.G(ctx).WithField("search", c.searchRegistries).WithField("insecure", c.insecureRegistries).Debugf("writing %q", path)
	return config.Save(path, doc)
}

// ConfigureStorage merges the storage options into the storage.conf at path.
func (c *Controller) ConfigureStorage(ctx context.Context, path string) error {
	doc, err := config.Load(path)
	if err != nil {
		return err
	}
	if doc, err = config.Merge(doc, c.storage, "storage"); err != nil {
		return fmt.Errorf("cannot configure storage in %q: %w", path, err)
	}
	log.G(ctx).WithField("options", c.storage).Debugf("writing %q", path)
	return config.Save(path, doc)
}

// PullBootImage pulls the boot image and returns the build tool's output.
func (c *Controller) PullBootImage(ctx context.Context) (string, error) {
	if err := validateImage(c.bootImage); err != nil {
		return "", err
	}
	log.G(ctx).Infof("pulling boot image %q", c.bootImage)
	out, err := c.builder.Pull(ctx, c.bootImage)
	if err != nil {
		return out, fmt.Errorf("failed to pull boot image %q: %w", c.bootImage, err)
	}
	return out, nil
}

// SetupBootContainer creates the boot container from the boot image and
// mounts it. The mount point is returned and stored in the controller.
func (c *Controller) SetupBootContainer(ctx context.Context) (string, error) {
	if err := validateImage(c.bootImage); err != nil {
		return "", err
	}
	log.G(ctx).WithField("options", c.bootContainerOptions).Infof("creating %s from %q", BootContainerName, c.bootImage)
	if _, err := c.builder.Create(ctx, c.bootImage, BootContainerName, c.bootContainerOptions); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", BootContainerName, err)
	}
	out, err := c.builder.Mount(ctx, BootContainerName)
	if err != nil {
		return "", fmt.Errorf("failed to mount %s: %w", BootContainerName, err)
	}
	mp := strings.TrimSpace(out)
	log.G(ctx).Debugf("%s mounted at %q", BootContainerName, mp)
	c.SetBootContainerMountPoint(mp)
	return mp, nil
}

// CommitBootContainer unmounts the boot container and commits it to
// BootImageTag, removing the working container. The mount point is cleared
// once the container is unmounted.
func (c *Controller) CommitBootContainer(ctx context.Context) (string, error) {
	if err := c.builder.Unmount(ctx, BootContainerName); err != nil {
		return "", fmt.Errorf("failed to unmount %s: %w", BootContainerName, err)
	}
	c.SetBootContainerMountPoint("")
	log.G(ctx).Infof("committing %s to %q", BootContainerName, BootImageTag)
	out, err := c.builder.Commit(ctx, BootContainerName, BootImageTag)
	if err != nil {
		return out, fmt.Errorf("failed to commit %s: %w", BootContainerName, err)
	}
	return out, nil
}

// ContainerRun runs command in container and returns its output.
func (c *Controller) ContainerRun(ctx context.Context, container string, options []string, command string, args []string) (string, error) {
	out, err := c.builder.Run(ctx, container, options, command, args)
	if err != nil {
		return out, fmt.Errorf("failed to run %q in %s: %w", command, container, err)
	}
	return out, nil
}

// transports are the buildah image transports whose references are not
// registry references.
var transports = []string{"containers-storage:", "dir:", "docker-archive:", "docker-daemon:", "oci:", "oci-archive:"}

// validateImage accepts anything buildah resolves as an image: transport
// references, registry references and full image IDs.
func validateImage(image string) error {
	if image == "" {
		return fmt.Errorf("no boot image set: %w", errdefs.ErrInvalidArgument)
	}
	for _, t := range transports {
		if strings.HasPrefix(image, t) {
			return nil
		}
	}
	if _, err := reference.ParseAnyReference(strings.TrimPrefix(image, "docker://")); err != nil {
		return fmt.Errorf("invalid boot image %q: %v: %w", image, err, errdefs.ErrInvalidArgument)
	}
	return nil
}
