// Package service publishes a containers.Controller on D-Bus.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/ktock/bootctr/containers"
	"github.com/ktock/bootctr/kickstart"
)

const (
	ObjectPath    = dbus.ObjectPath("/org/fedoraproject/Anaconda/Modules/Containers")
	InterfaceName = "org.fedoraproject.Anaconda.Modules.Containers"
	BusName       = InterfaceName

	// KickstartCommands is the read-only property listing the handled
	// installer-script commands.
	KickstartCommands = "KickstartCommands"
)

var properties = []containers.Property{
	containers.SearchRegistries,
	containers.InsecureRegistries,
	containers.Storage,
	containers.BootImage,
	containers.BootContainerOptions,
	containers.BootContainerMountPoint,
}

type propertySetter interface {
	SetMust(iface, property string, v interface{})
}

// Service exposes the controller operations as D-Bus methods and its state
// as properties. Method calls are serialized.
type Service struct {
	ctx  context.Context
	mu   sync.Mutex
	ctrl *containers.Controller
	// props is nil until the service is published.
	props propertySetter

	RegistriesConfPath string
	StorageConfPath    string
}

func New(ctx context.Context, ctrl *containers.Controller) *Service {
	s := &Service{
		ctx:                ctx,
		ctrl:               ctrl,
		RegistriesConfPath: containers.DefaultRegistriesConfPath,
		StorageConfPath:    containers.DefaultStorageConfPath,
	}
	ctrl.OnChange(s.changed)
	return s
}

func (s *Service) changed(p containers.Property) {
	if s.props == nil {
		return
	}
	v, err := s.value(p)
	if err != nil {
		log.G(s.ctx).WithError(err).Warnf("cannot publish %s", p)
		return
	}
	s.props.SetMust(InterfaceName, string(p), v)
}

// value returns p in its D-Bus representation. Storage is published as a{ss}
// with non-string values TOML-encoded.
func (s *Service) value(p containers.Property) (interface{}, error) {
	switch p {
	case containers.SearchRegistries:
		return nonNil(s.ctrl.SearchRegistries()), nil
	case containers.InsecureRegistries:
		return nonNil(s.ctrl.InsecureRegistries()), nil
	case containers.Storage:
		m := make(map[string]string)
		for k, v := range s.ctrl.Storage() {
			f, err := kickstart.FormatValue(v)
			if err != nil {
				return nil, fmt.Errorf("storage option %q: %w", k, err)
			}
			m[k] = f
		}
		return m, nil
	case containers.BootImage:
		return s.ctrl.BootImage(), nil
	case containers.BootContainerOptions:
		return nonNil(s.ctrl.BootContainerOptions()), nil
	case containers.BootContainerMountPoint:
		return s.ctrl.BootContainerMountPoint(), nil
	}
	return nil, fmt.Errorf("unknown property %q: %w", p, errdefs.ErrNotFound)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Service) propMap() (map[string]*prop.Prop, error) {
	m := map[string]*prop.Prop{
		KickstartCommands: {Value: append([]string(nil), kickstart.Commands...), Emit: prop.EmitFalse},
	}
	for _, p := range properties {
		v, err := s.value(p)
		if err != nil {
			return nil, err
		}
		m[string(p)] = &prop.Prop{Value: v, Emit: prop.EmitTrue}
	}
	return m, nil
}

// Publish exports s on conn and requests BusName.
func Publish(conn *dbus.Conn, s *Service) error {
	pm, err := s.propMap()
	if err != nil {
		return err
	}
	props, err := prop.Export(conn, ObjectPath, prop.Map{InterfaceName: pm})
	if err != nil {
		return fmt.Errorf("cannot export properties: %w", err)
	}
	s.setProps(props)
	if err := conn.Export(s, ObjectPath, InterfaceName); err != nil {
		return fmt.Errorf("cannot export %s: %w", ObjectPath, err)
	}
	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       InterfaceName,
				Methods:    introspect.Methods(s),
				Properties: props.Introspection(InterfaceName),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("cannot export introspection data: %w", err)
	}
	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("cannot request name %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken: %w", BusName, errdefs.ErrAlreadyExists)
	}
	log.G(s.ctx).Infof("published %s on %s", ObjectPath, BusName)
	return nil
}

// setProps is taken under mu; changed runs inside method calls holding it.
func (s *Service) setProps(p propertySetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props = p
}

func dbusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	if errdefs.IsInvalidArgument(err) {
		return dbus.NewError("org.freedesktop.DBus.Error.InvalidArgs", []interface{}{err.Error()})
	}
	return dbus.MakeFailedError(err)
}

func (s *Service) SetSearchRegistries(registries []string) *dbus.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl.SetSearchRegistries(registries)
	return nil
}

func (s *Service) SetInsecureRegistries(registries []string) *dbus.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl.SetInsecureRegistries(registries)
	return nil
}

// SetStorage takes values in the form published by the Storage property.
func (s *Service) SetStorage(storage map[string]string) *dbus.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]any, len(storage))
	for k, v := range storage {
		m[k] = kickstart.ParseValue(v)
	}
	s.ctrl.SetStorage(m)
	return nil
}

func (s *Service) SetBootImage(image string) *dbus.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl.SetBootImage(image)
	return nil
}

func (s *Service) SetBootContainerOptions(options []string) *dbus.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl.SetBootContainerOptions(options)
	return nil
}

func (s *Service) ConfigureRegistries() *dbus.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dbusError(s.ctrl.ConfigureRegistries(s.ctx, s.RegistriesConfPath))
}

func (s *Service) ConfigureStorage() *dbus.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dbusError(s.ctrl.ConfigureStorage(s.ctx, s.StorageConfPath))
}

func (s *Service) PullBootImage() *dbus.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.ctrl.PullBootImage(s.ctx)
	return dbusError(err)
}

func (s *Service) SetupBootContainer() *dbus.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.ctrl.SetupBootContainer(s.ctx)
	return dbusError(err)
}

func (s *Service) CommitBootContainer() *dbus.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.ctrl.CommitBootContainer(s.ctx)
	return dbusError(err)
}

// ReadKickstart applies the container commands found in ks.
func (s *Service) ReadKickstart(ks string) *dbus.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := kickstart.Parse(strings.NewReader(ks))
	if err != nil {
		return dbusError(err)
	}
	d.Apply(s.ctx, s.ctrl)
	return nil
}

func (s *Service) GenerateKickstart() (string, *dbus.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, err := kickstart.Generate(s.ctrl)
	return ks, dbusError(err)
}
