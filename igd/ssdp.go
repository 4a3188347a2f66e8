// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/pion/logging"
	"golang.org/x/net/ipv4"
)

const (
	// DefaultMulticastAddr is the SSDP multicast group and port.
	DefaultMulticastAddr = "239.255.255.250:1900"

	// DefaultMX is the maximum response delay in seconds requested from devices.
	DefaultMX = 2

	defaultMulticastTTL = 2
	maxDatagramSize     = 2048
)

// DefaultSearchTargets are sent one M-SEARCH each. Some devices respond to ssdp:all
// with only their first descriptor (which is often not IGD), so the gateway
// device types are searched explicitly.
var DefaultSearchTargets = []string{ //nolint:gochecknoglobals
	"urn:schemas-upnp-org:device:InternetGatewayDevice:1",
	"urn:schemas-upnp-org:device:InternetGatewayDevice:2",
}

// Candidate is a device that answered an M-SEARCH.
type Candidate struct {
	// Location is the URL of the root device description.
	Location *url.URL

	// Server describes what version the UPnP is, such as MiniUPnPd/2.x.x
	Server string

	// USN is the serial number of the device, which also contains
	// what kind of UPnP service is being offered, i.e. InternetGatewayDevice:2
	USN string

	// ST is the search target the device answered.
	ST string

	From       netip.AddrPort
	ReceivedAt time.Time
}

// Discoverer sends SSDP searches for Internet Gateway Devices.
type Discoverer struct {
	// MulticastAddr defaults to DefaultMulticastAddr. A unicast address
	// may be used to query a single device.
	MulticastAddr string

	// SearchTargets defaults to DefaultSearchTargets.
	SearchTargets []string

	// MX defaults to DefaultMX.
	MX int

	// TTL of the multicast packets, default 2.
	TTL int

	// Interface to send multicast packets on. The system default is used when nil.
	Interface *net.Interface

	Logger logging.LeveledLogger
}

// Search is the lazily consumed result of one discovery. It is finite and
// cannot be restarted; issue a new Discover to retry.
//
// A Search must not be used from multiple goroutines at once.
type Search struct {
	conn     *net.UDPConn
	deadline time.Time
	seen     map[string]struct{}
	found    int
	done     bool
	log      logging.LeveledLogger
}

// Discover sends the M-SEARCH requests and returns a Search that yields replies
// until timeout elapses or ctx is done, whichever comes first.
func (d *Discoverer) Discover(ctx context.Context, timeout time.Duration) (*Search, error) {
	log := d.Logger
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("igd")
	}

	addr := d.MulticastAddr
	if addr == "" {
		addr = DefaultMulticastAddr
	}
	targets := d.SearchTargets
	if len(targets) == 0 {
		targets = DefaultSearchTargets
	}
	mx := d.MX
	if mx <= 0 {
		mx = DefaultMX
	}

	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("igd: invalid SSDP address %q: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, &TransportError{Op: "M-SEARCH", URL: addr, Err: err}
	}

	if raddr.IP.IsMulticast() {
		pc := ipv4.NewPacketConn(conn)

		ttl := d.TTL
		if ttl <= 0 {
			ttl = defaultMulticastTTL
		}
		if err := pc.SetMulticastTTL(ttl); err != nil {
			log.Warnf("Failed to set SSDP multicast TTL: %v", err)
		}

		if d.Interface != nil {
			if err := pc.SetMulticastInterface(d.Interface); err != nil {
				_ = conn.Close()

				return nil, &TransportError{Op: "M-SEARCH", URL: addr, Err: err}
			}
		}
	}

	for _, st := range targets {
		if _, err := conn.WriteTo(searchRequest(addr, st, mx), raddr); err != nil {
			_ = conn.Close()

			return nil, &TransportError{Op: "M-SEARCH", URL: addr, Err: err}
		}
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	log.Debugf("Sent %d M-SEARCH requests to %s, waiting until %s", len(targets), addr, deadline.Format(time.RFC3339Nano))

	return &Search{
		conn:     conn,
		deadline: deadline,
		seen:     map[string]struct{}{},
		log:      log,
	}, nil
}

// Next blocks until the next distinct device answers. Once the search window has
// passed it returns ErrNoGatewayFound if nothing answered at all, io.EOF otherwise.
// Malformed replies are skipped.
func (s *Search) Next(ctx context.Context) (Candidate, error) {
	if s.done {
		return Candidate{}, s.endErr()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := s.conn.SetReadDeadline(s.deadline); err != nil {
		s.finish()

		return Candidate{}, &TransportError{Op: "M-SEARCH", URL: s.conn.LocalAddr().String(), Err: err}
	}

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			s.finish()

			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
				return Candidate{}, ctxErr
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return Candidate{}, s.endErr()
			}

			return Candidate{}, &TransportError{Op: "M-SEARCH", URL: s.conn.LocalAddr().String(), Err: err}
		}

		c, err := parseSearchResponse(buf[:n])
		if err != nil {
			s.log.Debugf("Skipping SSDP reply from %s: %v", from, err)

			continue
		}

		if _, ok := s.seen[c.Location.String()]; ok {
			continue
		}
		s.seen[c.Location.String()] = struct{}{}
		s.found++

		c.From = from
		c.ReceivedAt = time.Now()

		s.log.Debugf("Found candidate %s (%s) from %s", c.Location, c.ST, from)

		return c, nil
	}
}

// Close releases the socket. It is safe to call more than once.
func (s *Search) Close() error {
	if s.done {
		return nil
	}
	s.done = true

	return s.conn.Close()
}

func (s *Search) finish() {
	_ = s.Close()
}

func (s *Search) endErr() error {
	if s.found == 0 {
		return ErrNoGatewayFound
	}

	return io.EOF
}

func searchRequest(host, st string, mx int) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + host + "\r\n" +
		"ST: " + st + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		fmt.Sprintf("MX: %d\r\n\r\n", mx))
}

func parseSearchResponse(b []byte) (Candidate, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Candidate{}, err
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Candidate{}, fmt.Errorf("unexpected status %q", resp.Status) //nolint:goerr113
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return Candidate{}, errors.New("missing LOCATION header") //nolint:goerr113
	}

	u, err := url.Parse(loc)
	if err != nil {
		return Candidate{}, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Candidate{}, fmt.Errorf("unusable LOCATION %q", loc) //nolint:goerr113
	}

	return Candidate{
		Location: u,
		Server:   resp.Header.Get("Server"),
		USN:      resp.Header.Get("Usn"),
		ST:       resp.Header.Get("St"),
	}, nil
}
