// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package portmap

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/pion/portmap/igd"
)

// Protocol is the transport protocol of a mapping.
type Protocol = igd.Protocol

const (
	ProtocolTCP = igd.ProtocolTCP
	ProtocolUDP = igd.ProtocolUDP
)

// ParseProtocol accepts "tcp" and "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	return igd.ParseProtocol(s)
}

// MaxDescriptionLength is the longest description gateways are required to store.
const MaxDescriptionLength = 64

// Mapping represents a created port-mapping over some protocol.  It specifies a lease duration,
// how to release the mapping, and whether the map is still valid.
//
// Reads are safe across concurrent goroutines; the values change when the lease is renewed.
type Mapping interface {
	// Release will attempt to unmap the established port mapping. It will block until completion,
	// but can be called asynchronously. Release should be idempotent, and thus even if called
	// multiple times should not cause additional side-effects.
	Release(context.Context)

	// GoodUntil will return the lease time that the mapping is valid for.
	// It is zero for permanent mappings.
	GoodUntil() time.Time

	// RenewAfter returns the earliest time that the mapping should be renewed.
	RenewAfter() time.Time

	// External indicates what port the mapping can be reached from on the outside.
	External() netip.AddrPort
}

// MappingRequest describes the mapping a caller wants.
type MappingRequest struct {
	Protocol Protocol

	// ExternalPort 0 lets the gateway choose, preferring InternalPort.
	ExternalPort uint16

	// InternalClient is the LAN host receiving the traffic. When unset, Client.MapPort
	// fills in the local address facing the default gateway.
	InternalClient netip.Addr
	InternalPort   uint16

	// LeaseDuration 0 requests a permanent mapping. Finite leases are renewed
	// automatically until released.
	LeaseDuration time.Duration

	Description string
}

// Validate checks the request against the limits of the protocol.
func (r MappingRequest) Validate() error {
	switch r.Protocol {
	case ProtocolTCP, ProtocolUDP:
	default:
		return fmt.Errorf("%w: protocol %q", ErrInvalidRequest, r.Protocol)
	}

	if r.InternalPort == 0 {
		return fmt.Errorf("%w: internal port is 0", ErrInvalidRequest)
	}
	if !r.InternalClient.Is4() && !r.InternalClient.Is4In6() {
		return fmt.Errorf("%w: internal client %q is not an IPv4 address", ErrInvalidRequest, r.InternalClient)
	}
	if r.LeaseDuration < 0 || r.LeaseDuration > math.MaxUint32*time.Second {
		return fmt.Errorf("%w: lease duration %s", ErrInvalidRequest, r.LeaseDuration)
	}
	if len(r.Description) > MaxDescriptionLength {
		return fmt.Errorf("%w: description longer than %d bytes", ErrInvalidRequest, MaxDescriptionLength)
	}

	return nil
}

// Internal is the LAN endpoint of the mapping.
func (r MappingRequest) Internal() netip.AddrPort {
	return netip.AddrPortFrom(r.InternalClient.Unmap(), r.InternalPort)
}

func (r MappingRequest) portMapping(externalPort uint16) igd.PortMapping {
	return igd.PortMapping{
		ExternalPort:   externalPort,
		Protocol:       r.Protocol,
		InternalPort:   r.InternalPort,
		InternalClient: r.InternalClient.Unmap(),
		Enabled:        true,
		Description:    r.Description,
		LeaseDuration:  r.LeaseDuration,
	}
}

// MappingResult is the outcome of a successful AddPortMapping exchange.
type MappingResult struct {
	ExternalIP   netip.Addr
	ExternalPort uint16

	// ReplacedExistingEntry is set when the gateway already held a mapping
	// for the granted external port.
	ReplacedExistingEntry bool
}

// External is the address reachable from the outside.
func (r MappingResult) External() netip.AddrPort {
	return netip.AddrPortFrom(r.ExternalIP, r.ExternalPort)
}
