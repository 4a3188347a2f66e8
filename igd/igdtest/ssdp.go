// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igdtest

import (
	"bytes"
	"fmt"
	"net"
	"sync"
)

// Responder answers M-SEARCH requests on a loopback UDP socket, standing in for
// the SSDP multicast group.
type Responder struct {
	malformed bool

	conn      *net.UDPConn
	locations []string

	mu       sync.Mutex
	searches int

	wg sync.WaitGroup
}

// NewResponder listens on 127.0.0.1 and answers every M-SEARCH with one reply per location.
// With no locations it stays silent.
func NewResponder(locations ...string) (*Responder, error) {
	return newResponder(false, locations)
}

// NewNoisyResponder is like NewResponder but sends a malformed datagram before each valid reply.
func NewNoisyResponder(locations ...string) (*Responder, error) {
	return newResponder(true, locations)
}

func newResponder(malformed bool, locations []string) (*Responder, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}

	r := &Responder{
		malformed: malformed,
		conn:      conn,
		locations: locations,
	}

	r.wg.Add(1)
	go r.serve()

	return r, nil
}

// Addr is the address to use as Discoverer.MulticastAddr.
func (r *Responder) Addr() string {
	return r.conn.LocalAddr().String()
}

// Searches returns the number of M-SEARCH requests received.
func (r *Responder) Searches() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.searches
}

// Close stops the responder.
func (r *Responder) Close() error {
	err := r.conn.Close()
	r.wg.Wait()

	return err
}

func (r *Responder) serve() {
	defer r.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !bytes.HasPrefix(buf[:n], []byte("M-SEARCH")) {
			continue
		}

		r.mu.Lock()
		r.searches++
		r.mu.Unlock()

		st := searchTarget(buf[:n])
		for i, loc := range r.locations {
			if r.malformed {
				_, _ = r.conn.WriteToUDP([]byte("HTTP/1.1 200 OK\r\nST: garbage\r\n\r\n"), from)
			}

			reply := fmt.Sprintf("HTTP/1.1 200 OK\r\n"+
				"CACHE-CONTROL: max-age=120\r\n"+
				"ST: %s\r\n"+
				"USN: uuid:00000000-0000-0000-0000-%012d::%s\r\n"+
				"EXT:\r\n"+
				"SERVER: igdtest UPnP/1.1 MiniUPnPd/2.3\r\n"+
				"LOCATION: %s\r\n\r\n", st, i, st, loc)
			_, _ = r.conn.WriteToUDP([]byte(reply), from)
		}
	}
}

func searchTarget(req []byte) string {
	for _, line := range bytes.Split(req, []byte("\r\n")) {
		if k, v, ok := bytes.Cut(line, []byte(":")); ok && bytes.EqualFold(bytes.TrimSpace(k), []byte("ST")) {
			return string(bytes.TrimSpace(v))
		}
	}

	return "upnp:rootdevice"
}
