// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Protocol is the transport protocol of a port mapping.
type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

// ParseProtocol accepts "tcp" and "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToUpper(strings.TrimSpace(s))); p {
	case ProtocolTCP, ProtocolUDP:
		return p, nil
	default:
		return "", fmt.Errorf("igd: unknown protocol %q", s) //nolint:goerr113
	}
}

// PortMapping are the arguments of AddPortMapping and AddAnyPortMapping.
type PortMapping struct {
	RemoteHost     string
	ExternalPort   uint16
	Protocol       Protocol
	InternalPort   uint16
	InternalClient netip.Addr
	Enabled        bool
	Description    string

	// LeaseDuration is sent in whole seconds; zero requests a permanent mapping.
	LeaseDuration time.Duration
}

func (m PortMapping) args() []Arg {
	return []Arg{
		{"NewRemoteHost", m.RemoteHost},
		{"NewExternalPort", strconv.FormatUint(uint64(m.ExternalPort), 10)},
		{"NewProtocol", string(m.Protocol)},
		{"NewInternalPort", strconv.FormatUint(uint64(m.InternalPort), 10)},
		{"NewInternalClient", m.InternalClient.String()},
		{"NewEnabled", formatBool(m.Enabled)},
		{"NewPortMappingDescription", m.Description},
		{"NewLeaseDuration", strconv.FormatUint(uint64(LeaseSeconds(m.LeaseDuration)), 10)},
	}
}

// PortMappingEntry is the answer of GetSpecificPortMappingEntry.
type PortMappingEntry struct {
	InternalPort   uint16
	InternalClient string
	Enabled        bool
	Description    string
	LeaseDuration  time.Duration
}

// LeaseSeconds converts d to the ui4 seconds used on the wire, rounding up.
func LeaseSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}

	s := (d + time.Second - 1) / time.Second
	if s > math.MaxUint32 {
		return math.MaxUint32
	}

	return uint32(s)
}

// Service issues typed WANIPConnection / WANPPPConnection actions against a resolved gateway.
type Service struct {
	Gateway *Gateway
	Client  *SOAPClient
}

func (s *Service) invoke(ctx context.Context, action string, args []Arg) (map[string]string, error) {
	return s.Client.Invoke(ctx, s.Gateway.ControlURL, s.Gateway.ServiceType, action, args)
}

// AddPortMapping creates or refreshes a mapping. Re-adding an identical mapping
// refreshes its lease.
func (s *Service) AddPortMapping(ctx context.Context, m PortMapping) error {
	_, err := s.invoke(ctx, "AddPortMapping", m.args())

	return err
}

// AddAnyPortMapping asks the gateway to pick a free external port, preferring
// m.ExternalPort. Only WANIPConnection:2 defines it.
func (s *Service) AddAnyPortMapping(ctx context.Context, m PortMapping) (uint16, error) {
	if !s.Gateway.SupportsAnyPort() {
		return 0, fmt.Errorf("%w: AddAnyPortMapping on %s", ErrUnsupportedAction, s.Gateway.ServiceType)
	}

	out, err := s.invoke(ctx, "AddAnyPortMapping", m.args())
	if err != nil {
		return 0, err
	}

	port, err := strconv.ParseUint(out["NewReservedPort"], 10, 16)
	if err != nil || port == 0 {
		return 0, &TransportError{
			Op:  "AddAnyPortMapping",
			URL: s.Gateway.ControlURL.String(),
			Err: fmt.Errorf("%w: NewReservedPort %q", errMalformedResponse, out["NewReservedPort"]),
		}
	}

	return uint16(port), nil
}

// DeletePortMapping removes the mapping of externalPort.
func (s *Service) DeletePortMapping(ctx context.Context, proto Protocol, externalPort uint16) error {
	_, err := s.invoke(ctx, "DeletePortMapping", []Arg{
		{"NewRemoteHost", ""},
		{"NewExternalPort", strconv.FormatUint(uint64(externalPort), 10)},
		{"NewProtocol", string(proto)},
	})

	return err
}

// GetExternalIPAddress returns the IPv4 WAN address of the gateway.
func (s *Service) GetExternalIPAddress(ctx context.Context) (netip.Addr, error) {
	out, err := s.invoke(ctx, "GetExternalIPAddress", nil)
	if err != nil {
		return netip.Addr{}, err
	}

	raw := strings.TrimSpace(out["NewExternalIPAddress"])
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidExternalIP, raw)
	}
	addr = addr.Unmap()
	if !addr.Is4() || addr.IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidExternalIP, raw)
	}

	return addr, nil
}

// GetSpecificPortMappingEntry looks up the mapping of externalPort. A missing
// entry is reported by the gateway as fault 714 (NoSuchEntryInArray).
func (s *Service) GetSpecificPortMappingEntry(ctx context.Context, proto Protocol, externalPort uint16) (*PortMappingEntry, error) {
	out, err := s.invoke(ctx, "GetSpecificPortMappingEntry", []Arg{
		{"NewRemoteHost", ""},
		{"NewExternalPort", strconv.FormatUint(uint64(externalPort), 10)},
		{"NewProtocol", string(proto)},
	})
	if err != nil {
		return nil, err
	}

	internalPort, _ := strconv.ParseUint(out["NewInternalPort"], 10, 16)
	lease, _ := strconv.ParseUint(out["NewLeaseDuration"], 10, 32)

	return &PortMappingEntry{
		InternalPort:   uint16(internalPort),
		InternalClient: out["NewInternalClient"],
		Enabled:        parseBool(out["NewEnabled"]),
		Description:    out["NewPortMappingDescription"],
		LeaseDuration:  time.Duration(lease) * time.Second,
	}, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
