package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/containerd/log"
	"github.com/godbus/dbus/v5"
	"github.com/urfave/cli"

	"github.com/ktock/bootctr/buildah"
	"github.com/ktock/bootctr/containers"
	"github.com/ktock/bootctr/kickstart"
	"github.com/ktock/bootctr/service"
	"github.com/ktock/bootctr/version"
)

func main() {
	app := cli.NewApp()
	app.Name = "bootctr"
	app.Version = fmt.Sprintf("%s (%s)", version.Version, version.Revision)
	app.Usage = "boot container preparation"
	app.UsageText = fmt.Sprintf("%s [options] command [arguments...]", app.Name)
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Usage: "Set the logging level [trace, debug, info, warn, error, fatal, panic]",
			Value: "info",
		},
		cli.StringFlag{
			Name:  "builder",
			Usage: "Builder command to use",
			Value: buildah.DefaultBinary,
		},
		cli.StringFlag{
			Name:  "platform",
			Usage: "Platform (os/arch[/variant]) of the boot image to pull",
		},
		cli.StringFlag{
			Name:  "registries-conf",
			Usage: "Location of registries.conf",
			Value: containers.DefaultRegistriesConfPath,
		},
		cli.StringFlag{
			Name:  "storage-conf",
			Usage: "Location of storage.conf",
			Value: containers.DefaultStorageConfPath,
		},
		cli.StringFlag{
			Name:  "kickstart",
			Usage: "Read container commands from a kickstart file",
		},
		cli.StringSliceFlag{
			Name:  "search-registry",
			Usage: "Registry searched for unqualified image names",
		},
		cli.StringSliceFlag{
			Name:  "insecure-registry",
			Usage: "Registry allowed without TLS verification",
		},
		cli.StringSliceFlag{
			Name:  "storage-opt",
			Usage: "Storage option as key=value, key is dotted below [storage]",
		},
		cli.StringFlag{
			Name:  "boot-image",
			Usage: "Image the boot container is created from",
		},
		cli.StringSliceFlag{
			Name:  "boot-option",
			Usage: "Option passed to \"buildah from\" for the boot container",
		},
	}
	app.Before = func(clicontext *cli.Context) error {
		return log.SetLevel(clicontext.GlobalString("log-level"))
	}
	app.Commands = []cli.Command{
		{
			Name:   "configure-registries",
			Usage:  "write search and insecure registries to registries.conf",
			Action: configureRegistriesAction,
		},
		{
			Name:   "configure-storage",
			Usage:  "write storage options to storage.conf",
			Action: configureStorageAction,
		},
		{
			Name:   "pull",
			Usage:  "pull the boot image",
			Action: pullAction,
		},
		{
			Name:   "setup",
			Usage:  "create and mount the boot container",
			Action: setupAction,
		},
		{
			Name:   "commit",
			Usage:  fmt.Sprintf("unmount the boot container and commit it to %s", containers.BootImageTag),
			Action: commitAction,
		},
		{
			Name:      "run",
			Usage:     "run a command in a container",
			ArgsUsage: "container command [args...]",
			Flags: []cli.Flag{
				cli.StringSliceFlag{
					Name:  "opt",
					Usage: "Option passed to \"buildah run\"",
				},
			},
			Action: runAction,
		},
		{
			Name:   "build",
			Usage:  "configure registries and storage, then pull, set up and commit the boot container",
			Action: buildAction,
		},
		{
			Name:   "kickstart",
			Usage:  "print the container kickstart commands for the current options",
			Action: kickstartAction,
		},
		{
			Name:  "serve",
			Usage: "publish the controller on D-Bus until interrupted",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "session",
					Usage: "Use the session bus instead of the system bus",
				},
			},
			Action: serveAction,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

// newController builds a controller from the kickstart file and the global
// flags; flags override kickstart commands. withBuilder looks up the build
// tool.
func newController(ctx context.Context, clicontext *cli.Context, withBuilder bool) (*containers.Controller, error) {
	var b buildah.Builder
	if withBuilder {
		tool, err := buildah.New(clicontext.GlobalString("builder"), buildah.WithPlatform(clicontext.GlobalString("platform")))
		if err != nil {
			return nil, err
		}
		b = tool
	}
	c := containers.NewController(b)
	if p := clicontext.GlobalString("kickstart"); p != "" {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("cannot open kickstart: %w", err)
		}
		defer f.Close()
		d, err := kickstart.Parse(f)
		if err != nil {
			return nil, fmt.Errorf("cannot parse kickstart %q: %w", p, err)
		}
		d.Apply(ctx, c)
	}
	if clicontext.GlobalIsSet("search-registry") {
		c.SetSearchRegistries(clicontext.GlobalStringSlice("search-registry"))
	}
	if clicontext.GlobalIsSet("insecure-registry") {
		c.SetInsecureRegistries(clicontext.GlobalStringSlice("insecure-registry"))
	}
	if clicontext.GlobalIsSet("storage-opt") {
		opts := make(map[string]any)
		for _, o := range clicontext.GlobalStringSlice("storage-opt") {
			k, v, ok := strings.Cut(o, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("storage option must be key=value: %q", o)
			}
			opts[k] = kickstart.ParseValue(v)
		}
		c.SetStorage(opts)
	}
	if clicontext.GlobalIsSet("boot-image") {
		c.SetBootImage(clicontext.GlobalString("boot-image"))
	}
	if clicontext.GlobalIsSet("boot-option") {
		c.SetBootContainerOptions(clicontext.GlobalStringSlice("boot-option"))
	}
	return c, nil
}

func configureRegistriesAction(clicontext *cli.Context) error {
	ctx := context.Background()
	c, err := newController(ctx, clicontext, false)
	if err != nil {
		return err
	}
	return c.ConfigureRegistries(ctx, clicontext.GlobalString("registries-conf"))
}

func configureStorageAction(clicontext *cli.Context) error {
	ctx := context.Background()
	c, err := newController(ctx, clicontext, false)
	if err != nil {
		return err
	}
	return c.ConfigureStorage(ctx, clicontext.GlobalString("storage-conf"))
}

func pullAction(clicontext *cli.Context) error {
	ctx := context.Background()
	c, err := newController(ctx, clicontext, true)
	if err != nil {
		return err
	}
	out, err := c.PullBootImage(ctx)
	fmt.Print(out)
	return err
}

func setupAction(clicontext *cli.Context) error {
	ctx := context.Background()
	c, err := newController(ctx, clicontext, true)
	if err != nil {
		return err
	}
	mp, err := c.SetupBootContainer(ctx)
	if err != nil {
		return err
	}
	fmt.Println(mp)
	return nil
}

func commitAction(clicontext *cli.Context) error {
	ctx := context.Background()
	c, err := newController(ctx, clicontext, true)
	if err != nil {
		return err
	}
	out, err := c.CommitBootContainer(ctx)
	fmt.Print(out)
	return err
}

func runAction(clicontext *cli.Context) error {
	if clicontext.NArg() < 2 {
		return fmt.Errorf("specify container and command")
	}
	ctx := context.Background()
	c, err := newController(ctx, clicontext, true)
	if err != nil {
		return err
	}
	args := clicontext.Args()
	out, err := c.ContainerRun(ctx, args.Get(0), clicontext.StringSlice("opt"), args.Get(1), args.Tail()[1:])
	fmt.Print(out)
	return err
}

func buildAction(clicontext *cli.Context) error {
	ctx := context.Background()
	c, err := newController(ctx, clicontext, true)
	if err != nil {
		return err
	}
	if err := c.ConfigureRegistries(ctx, clicontext.GlobalString("registries-conf")); err != nil {
		return err
	}
	if err := c.ConfigureStorage(ctx, clicontext.GlobalString("storage-conf")); err != nil {
		return err
	}
	if _, err := c.PullBootImage(ctx); err != nil {
		return err
	}
	mp, err := c.SetupBootContainer(ctx)
	if err != nil {
		return err
	}
	log.G(ctx).Infof("boot container mounted at %q", mp)
	out, err := c.CommitBootContainer(ctx)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func kickstartAction(clicontext *cli.Context) error {
	c, err := newController(context.Background(), clicontext, false)
	if err != nil {
		return err
	}
	ks, err := kickstart.Generate(c)
	if err != nil {
		return err
	}
	fmt.Print(ks)
	return nil
}

func serveAction(clicontext *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c, err := newController(ctx, clicontext, true)
	if err != nil {
		return err
	}
	var conn *dbus.Conn
	if clicontext.Bool("session") {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		return fmt.Errorf("cannot connect to bus: %w", err)
	}
	defer conn.Close()

	s := service.New(ctx, c)
	s.RegistriesConfPath = clicontext.GlobalString("registries-conf")
	s.StorageConfPath = clicontext.GlobalString("storage-conf")
	if err := service.Publish(conn, s); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
