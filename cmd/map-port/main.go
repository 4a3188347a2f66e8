// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Command map-port maps a port on the local Internet Gateway Device and keeps
// the mapping alive until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/pion/portmap"
	"github.com/spf13/cobra"
)

const usage = "Usage: map-port IP PORT"

var errUsage = errors.New("usage")

var logLevels = map[string]logging.LogLevel{ //nolint:gochecknoglobals
	"disable": logging.LogLevelDisabled,
	"error":   logging.LogLevelError,
	"warn":    logging.LogLevelWarn,
	"info":    logging.LogLevelInfo,
	"debug":   logging.LogLevelDebug,
	"trace":   logging.LogLevelTrace,
}

type options struct {
	protocol         string
	externalPort     uint16
	lease            time.Duration
	description      string
	discoveryTimeout time.Duration
	gatewayURL       string
	logLevel         string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1) //nolint:gocritic
	}
}

func newCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "map-port IP PORT",
		Short:         "Map a port on the Internet Gateway Device until interrupted",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				fmt.Fprintln(cmd.OutOrStdout(), usage)

				return errUsage
			}

			return run(cmd, opts, args[0], args[1])
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.protocol, "protocol", "TCP", "TCP or UDP")
	f.Uint16Var(&opts.externalPort, "external-port", 0, "external port, 0 lets the gateway choose")
	f.DurationVar(&opts.lease, "lease", 3000*time.Second, "lease duration, renewed until exit")
	f.StringVar(&opts.description, "description", "pion portmap example", "mapping description")
	f.DurationVar(&opts.discoveryTimeout, "discovery-timeout", portmap.DefaultDiscoveryTimeout, "SSDP search window")
	f.StringVar(&opts.gatewayURL, "gateway-url", "", "device description URL, skips discovery")
	f.StringVar(&opts.logLevel, "log-level", "error", "disable, error, warn, info, debug or trace")

	return cmd
}

func run(cmd *cobra.Command, opts *options, ipArg, portArg string) error {
	ctx := cmd.Context()

	ip, err := netip.ParseAddr(ipArg)
	if err != nil {
		return fmt.Errorf("invalid IP %q: %w", ipArg, err)
	}
	port, err := strconv.ParseUint(portArg, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portArg, err)
	}
	proto, err := portmap.ParseProtocol(opts.protocol)
	if err != nil {
		return err
	}
	level, ok := logLevels[strings.ToLower(opts.logLevel)]
	if !ok {
		return fmt.Errorf("invalid log level %q", opts.logLevel) //nolint:goerr113
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = level

	client, err := portmap.NewClient(portmap.ClientConfig{
		LoggerFactory:    loggerFactory,
		DiscoveryTimeout: opts.discoveryTimeout,
		GatewayURL:       opts.gatewayURL,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed to remove mapping: %v\n", err)
		}
	}()

	sub, err := client.MapPort(ctx, portmap.MappingRequest{
		Protocol:       proto,
		ExternalPort:   opts.externalPort,
		InternalClient: ip,
		InternalPort:   uint16(port),
		LeaseDuration:  opts.lease,
		Description:    opts.description,
	})
	if err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}

			switch ev := ev.(type) {
			case *portmap.MappedEvent:
				fmt.Fprintf(cmd.OutOrStdout(), "success %s -> %s\n",
					netip.AddrPortFrom(ev.ExternalIP, ev.ExternalPort),
					netip.AddrPortFrom(ev.LocalIP, ev.LocalPort))
			case *portmap.ErrorEvent:
				return ev
			}
		case <-ctx.Done():
			return nil
		}
	}
}
