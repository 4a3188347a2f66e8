// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package portmap

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackpal/gateway"
	"github.com/pion/logging"
	"github.com/pion/portmap/igd"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultDiscoveryTimeout is the SSDP search window.
	DefaultDiscoveryTimeout = 3 * time.Second

	// DefaultRenewalFraction renews leases halfway through.
	DefaultRenewalFraction = 0.5

	// DefaultMaxRenewalFailures is the number of failed renewals after which a lease is lost.
	DefaultMaxRenewalFailures = 3

	// DefaultRenewalRetryInterval caps the delay between failed renewals.
	DefaultRenewalRetryInterval = 30 * time.Second
)

// ClientConfig is used to configure a Client. The zero value is usable.
type ClientConfig struct {
	LoggerFactory logging.LoggerFactory

	// Clock drives lease renewal. Tests inject clock.NewMock().
	Clock clock.Clock

	// HTTPClient is used for description retrieval and SOAP requests.
	HTTPClient *http.Client

	// Registerer receives the client's metrics when set.
	Registerer prometheus.Registerer

	// DiscoveryTimeout bounds the SSDP search window.
	DiscoveryTimeout time.Duration

	// RequestTimeout bounds each description fetch and SOAP action.
	RequestTimeout time.Duration

	// RenewalFraction of the lease duration after which a lease is renewed, in (0, 1).
	RenewalFraction float64

	// MaxRenewalFailures is the number of consecutive failed renewals after which
	// a lease is reported lost.
	MaxRenewalFailures int

	// RenewalRetryInterval is the upper bound of the delay between failed renewals.
	// The delay is shortened so that all attempts happen before the lease expires.
	RenewalRetryInterval time.Duration

	// GatewayURL skips SSDP and uses the device description at this URL.
	GatewayURL string

	// MulticastAddr overrides the SSDP destination.
	MulticastAddr string

	// Interface used for SSDP multicast.
	Interface *net.Interface

	// LocalAddr returns the internal client used for requests that leave it unset.
	// Defaults to the address of the interface facing the default gateway.
	LocalAddr func() (netip.Addr, error)
}

func (c ClientConfig) withDefaults() (ClientConfig, error) {
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = igd.DefaultRequestTimeout
	}
	if c.RenewalFraction == 0 {
		c.RenewalFraction = DefaultRenewalFraction
	}
	if c.RenewalFraction <= 0 || c.RenewalFraction >= 1 {
		return c, fmt.Errorf("%w: renewal fraction %v not in (0, 1)", ErrInvalidConfig, c.RenewalFraction)
	}
	if c.MaxRenewalFailures == 0 {
		c.MaxRenewalFailures = DefaultMaxRenewalFailures
	}
	if c.MaxRenewalFailures < 0 {
		return c, fmt.Errorf("%w: max renewal failures %d", ErrInvalidConfig, c.MaxRenewalFailures)
	}
	if c.RenewalRetryInterval <= 0 {
		c.RenewalRetryInterval = DefaultRenewalRetryInterval
	}
	if c.LocalAddr == nil {
		c.LocalAddr = defaultLocalAddr
	}

	return c, nil
}

func defaultLocalAddr() (netip.Addr, error) {
	ip, err := gateway.DiscoverInterface()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("portmap: find local address: %w", err)
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, fmt.Errorf("portmap: invalid local address %v", ip) //nolint:goerr113
	}

	return addr.Unmap(), nil
}
