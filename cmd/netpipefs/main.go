// Command netpipefs mounts a network pipe filesystem: files opened for
// writing under the mount point stream their bytes to the same path on
// the peer host, where they are read back as from an anonymous pipe.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Domferr/netpipefs"
	"github.com/Domferr/netpipefs/fusefs"
)

func main() {
	app := &cli.App{
		Name:      "netpipefs",
		Usage:     "share pipes between two hosts through a mounted filesystem",
		ArgsUsage: "<mountpoint>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "local port used for the peer connection",
				Value:   netpipefs.DefaultPort,
			},
			&cli.StringFlag{
				Name:  "hostip",
				Usage: "peer IPv4 address; 'localhost' selects unix domain sockets",
			},
			&cli.IntFlag{
				Name:  "hostport",
				Usage: "peer port used for the peer connection",
				Value: netpipefs.DefaultPort,
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "connection timeout in milliseconds",
				Value: int(netpipefs.DefaultTimeout / time.Millisecond),
			},
			&cli.IntFlag{
				Name:  "readahead",
				Usage: "bytes the peer may push ahead of local reads (0 disables)",
				Value: netpipefs.DefaultReadahead,
			},
			&cli.IntFlag{
				Name:  "writeahead",
				Usage: "bytes buffered locally while the peer has no credit (0 disables)",
				Value: netpipefs.DefaultWriteahead,
			},
			&cli.BoolFlag{
				Name:  "delayconnect",
				Usage: "connect to the peer only after the filesystem is mounted",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "verbose logging (implies foreground)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit(fmt.Sprintf("missing mountpoint\nsee '%s --help' for usage", c.App.Name), 1)
	}
	mountpoint := c.Args().First()

	opts := netpipefs.DefaultOptions()
	opts.Port = c.Int("port")
	opts.Host = c.String("hostip")
	opts.HostPort = c.Int("hostport")
	opts.Timeout = time.Duration(c.Int("timeout")) * time.Millisecond
	opts.Readahead = c.Int("readahead")
	opts.Writeahead = c.Int("writeahead")
	opts.DelayConnect = c.Bool("delayconnect")
	opts.Debug = c.Bool("debug")

	if err := opts.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("%v\nsee '%s --help' for usage", err, c.App.Name), 1)
	}

	log := logrus.New()
	if opts.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	// A peer vanishing mid-write surfaces as an error on the operation,
	// not as a process-killing signal.
	signal.Ignore(syscall.SIGPIPE)

	host := netpipefs.NewHost(opts, log)
	connect := func() error {
		nc, err := netpipefs.Establish(opts)
		if err != nil {
			return err
		}
		return host.Start(nc)
	}

	if !opts.DelayConnect {
		if err := connect(); err != nil {
			return err
		}
	}

	server, err := fusefs.Mount(mountpoint, host, log)
	if err != nil {
		host.Shutdown()
		return err
	}

	if opts.DelayConnect {
		if err := connect(); err != nil {
			host.Shutdown()
			server.Unmount()
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	var group errgroup.Group
	group.Go(func() error {
		server.Wait()
		close(done)
		return nil
	})
	group.Go(func() error {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("shutting down")
			host.Shutdown()
			if err := server.Unmount(); err != nil {
				log.WithError(err).Error("unmount failed")
			}
		case <-done:
		}
		return nil
	})

	err = group.Wait()
	host.Shutdown()
	return err
}
