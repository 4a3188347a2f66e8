// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package portmap

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/portmap/igd"
)

// Event is delivered on a Subscription. It is either a *MappedEvent or an *ErrorEvent.
type Event interface {
	Subscription() uuid.UUID
}

// MappedEvent is emitted once, when the mapping is first established.
type MappedEvent struct {
	SubscriptionID uuid.UUID

	Protocol              Protocol
	ExternalIP            netip.Addr
	ReplacedExistingEntry bool
	ExternalPort          uint16
	LocalIP               netip.Addr
	LocalPort             uint16
	Description           string
}

// Subscription implements Event.
func (e *MappedEvent) Subscription() uuid.UUID {
	return e.SubscriptionID
}

// ErrorEvent is emitted when the mapping could not be established or was lost.
// ExternalPort is the requested port.
type ErrorEvent struct {
	SubscriptionID uuid.UUID

	Protocol     Protocol
	ExternalPort uint16
	LocalIP      netip.Addr
	LocalPort    uint16
	Description  string

	// Err is the cause, matchable with errors.Is and errors.As.
	Err error

	// Code is the UPnP error code if the gateway rejected the request, 0 otherwise.
	Code int

	ErrorDescription string
}

// Subscription implements Event.
func (e *ErrorEvent) Subscription() uuid.UUID {
	return e.SubscriptionID
}

func (e *ErrorEvent) Error() string {
	return fmt.Sprintf("mapping %s %s: %v", e.Protocol, netip.AddrPortFrom(e.LocalIP, e.LocalPort), e.Err)
}

func (e *ErrorEvent) Unwrap() error {
	return e.Err
}

func newErrorEvent(id uuid.UUID, req MappingRequest, err error) *ErrorEvent {
	ev := &ErrorEvent{
		SubscriptionID:   id,
		Protocol:         req.Protocol,
		ExternalPort:     req.ExternalPort,
		LocalIP:          req.InternalClient,
		LocalPort:        req.InternalPort,
		Description:      req.Description,
		Err:              err,
		ErrorDescription: err.Error(),
	}

	var fault *igd.SOAPFault
	if errors.As(err, &fault) {
		ev.Code = fault.Code
		ev.ErrorDescription = fault.Description
		if ev.ErrorDescription == "" {
			ev.ErrorDescription = igd.ErrorName(fault.Code)
		}
	}

	return ev
}

// Subscription is the event stream of one MapPort call. The channel returned by
// Events carries at most one MappedEvent followed by at most one ErrorEvent and
// is closed once the mapping is gone.
type Subscription struct {
	id     uuid.UUID
	req    MappingRequest
	client *Client

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lease     *Lease
	unmapping bool
	closed    bool
}

func newSubscription(c *Client, req MappingRequest, cancel context.CancelFunc) *Subscription {
	return &Subscription{
		id:     uuid.New(),
		req:    req,
		client: c,
		events: make(chan Event, 2),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID identifies the subscription in events.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Request returns the request, with the internal client filled in.
func (s *Subscription) Request() MappingRequest {
	return s.req
}

// Events returns the event stream.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Mapping returns the lease once the gateway was resolved, nil before.
func (s *Subscription) Mapping() Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lease == nil {
		return nil
	}

	return s.lease
}

// Unmap aborts a pending mapping or removes an established one and closes the
// event stream. Removal is best effort, its error is returned for information.
func (s *Subscription) Unmap(ctx context.Context) error {
	s.mu.Lock()
	s.unmapping = true
	lease := s.lease
	s.mu.Unlock()

	s.cancel()

	var err error
	if lease != nil {
		err = lease.Unmap(ctx)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.client.forget(s)
	s.close()

	return err
}

// attach records the lease unless Unmap was called first.
func (s *Subscription) attach(l *Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unmapping {
		return false
	}
	s.lease = l

	return true
}

func (s *Subscription) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.events <- ev
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func (s *Subscription) matches(proto Protocol, externalPort uint16) bool {
	if s.req.Protocol != proto {
		return false
	}
	if s.req.ExternalPort == externalPort {
		return true
	}

	s.mu.Lock()
	lease := s.lease
	s.mu.Unlock()

	return lease != nil && lease.Result().ExternalPort == externalPort
}
