// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package portmap

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/portmap/igd"
)

// LeaseState is the lifecycle state of a Lease.
type LeaseState int

const (
	// LeaseIdle holds no mapping.
	LeaseIdle LeaseState = iota
	// LeaseMapping is waiting for the gateway to create the mapping.
	LeaseMapping
	// LeaseActive holds a mapping, renewal is scheduled for finite leases.
	LeaseActive
	// LeaseRenewing is refreshing an active mapping.
	LeaseRenewing
	// LeaseUnmapping is removing the mapping from the gateway.
	LeaseUnmapping
	// LeaseFailed could not create or keep the mapping.
	LeaseFailed
)

func (s LeaseState) String() string {
	switch s {
	case LeaseIdle:
		return "idle"
	case LeaseMapping:
		return "mapping"
	case LeaseActive:
		return "active"
	case LeaseRenewing:
		return "renewing"
	case LeaseUnmapping:
		return "unmapping"
	case LeaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("LeaseState(%d)", int(s))
	}
}

// gatewayService is the subset of *igd.Service used by a Lease.
type gatewayService interface {
	AddPortMapping(ctx context.Context, m igd.PortMapping) error
	AddAnyPortMapping(ctx context.Context, m igd.PortMapping) (uint16, error)
	DeletePortMapping(ctx context.Context, proto igd.Protocol, externalPort uint16) error
	GetExternalIPAddress(ctx context.Context) (netip.Addr, error)
	GetSpecificPortMappingEntry(ctx context.Context, proto igd.Protocol, externalPort uint16) (*igd.PortMappingEntry, error)
}

type leaseConfig struct {
	clock                clock.Clock
	renewalFraction      float64
	maxRenewalFailures   int
	renewalRetryInterval time.Duration
	log                  logging.LeveledLogger
	metrics              *metrics

	// onLost is called without locks held once renewals are exhausted.
	onLost func(error)
}

// Lease owns one requested mapping on a gateway: it creates it, renews it before
// it expires and removes it again.
//
// At most one AddPortMapping or DeletePortMapping is in flight per Lease.
type Lease struct {
	req MappingRequest
	svc gatewayService
	cfg leaseConfig

	// opMu serializes gateway operations. It is acquired before mu.
	opMu sync.Mutex

	mu                  sync.Mutex
	state               LeaseState
	result              MappingResult
	goodUntil           time.Time
	nextRenewalAt       time.Time
	consecutiveFailures int
	timer               *clock.Timer
	opCancel            context.CancelFunc

	// epoch is bumped by Unmap; timers and operations of an older epoch are void.
	epoch uint64
}

func newLease(req MappingRequest, svc gatewayService, cfg leaseConfig) *Lease {
	return &Lease{
		req: req,
		svc: svc,
		cfg: cfg,
	}
}

// Map creates the mapping on the gateway. It is valid in the idle and failed states.
func (l *Lease) Map(ctx context.Context) (MappingResult, error) {
	l.mu.Lock()
	if l.state != LeaseIdle && l.state != LeaseFailed {
		state := l.state
		l.mu.Unlock()

		return MappingResult{}, fmt.Errorf("%w: %s", errLeaseBusy, state)
	}
	l.state = LeaseMapping
	l.consecutiveFailures = 0
	epoch := l.epoch

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.opCancel = cancel
	l.mu.Unlock()

	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	released := l.epoch != epoch
	l.mu.Unlock()
	if released {
		return MappingResult{}, ErrReleased
	}

	res, err := l.add(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.opCancel = nil

	if err == nil {
		l.result = res
		l.cfg.metrics.leaseMapped()
	}

	if l.epoch != epoch {
		// Unmap arrived while mapping; it deletes whatever was recorded above.
		return MappingResult{}, ErrReleased
	}

	if err != nil {
		l.state = LeaseFailed
		l.cfg.metrics.mappingAttempt(l.req.Protocol, err)
		l.cfg.log.Warnf("Failed to map %s %s: %v", l.req.Protocol, l.req.Internal(), err)

		return MappingResult{}, err
	}

	l.state = LeaseActive
	l.cfg.metrics.mappingAttempt(l.req.Protocol, nil)
	l.cfg.log.Infof("Mapped %s %s -> %s (lease %s)", l.req.Protocol, res.External(), l.req.Internal(), l.req.LeaseDuration)

	if l.req.LeaseDuration > 0 {
		now := l.cfg.clock.Now()
		l.goodUntil = now.Add(l.req.LeaseDuration)
		l.scheduleLocked(l.renewInterval())
	}

	return res, nil
}

// add performs the AddPortMapping exchange and looks up the external address.
func (l *Lease) add(ctx context.Context) (MappingResult, error) {
	var (
		replaced bool
		port     uint16
		err      error
	)

	if l.req.ExternalPort != 0 {
		port = l.req.ExternalPort
		replaced = l.hasEntry(ctx, port)
		err = l.svc.AddPortMapping(ctx, l.req.portMapping(port))
	} else {
		port, replaced, err = l.addAuto(ctx)
	}
	if err != nil {
		return MappingResult{}, err
	}

	ip, err := l.svc.GetExternalIPAddress(ctx)
	if err != nil {
		// The entry exists on the gateway even when ctx was cancelled by Unmap.
		if derr := l.svc.DeletePortMapping(context.WithoutCancel(ctx), l.req.Protocol, port); derr != nil {
			l.cfg.log.Debugf("Failed to remove mapping after external address lookup failed: %v", derr)
		}

		return MappingResult{}, err
	}

	return MappingResult{
		ExternalIP:            ip,
		ExternalPort:          port,
		ReplacedExistingEntry: replaced,
	}, nil
}

// addAuto maps with an automatically selected external port. AddAnyPortMapping is
// used where the service defines it. Otherwise a wildcard is requested and, if the
// gateway rejects wildcards, the internal port is tried once.
func (l *Lease) addAuto(ctx context.Context) (port uint16, replaced bool, err error) {
	internal := l.req.InternalPort

	port, err = l.svc.AddAnyPortMapping(ctx, l.req.portMapping(internal))
	switch {
	case err == nil:
		return port, false, nil
	case !errors.Is(err, igd.ErrUnsupportedAction) &&
		!igd.IsFault(err, igd.CodeInvalidAction, igd.CodeOptionalActionNotImplemented):
		return 0, false, err
	}

	err = l.svc.AddPortMapping(ctx, l.req.portMapping(0))
	switch {
	case err == nil:
		// Gateways accepting a wildcard default the external port to the internal one.
		// Renewals and removal address the mapping by that port.
		return internal, false, nil
	case !rejectsWildcard(err):
		return 0, false, err
	}

	l.cfg.log.Debugf("Gateway rejected wildcard external port (%v), retrying with %d", err, internal)

	replaced = l.hasEntry(ctx, internal)
	if err := l.svc.AddPortMapping(ctx, l.req.portMapping(internal)); err != nil {
		return 0, false, err
	}

	return internal, replaced, nil
}

func rejectsWildcard(err error) bool {
	return igd.IsFault(err,
		igd.CodeWildCardNotPermittedInExtPort,
		igd.CodeInvalidArgs,
		igd.CodeArgumentValueOutOfRange,
		igd.CodeSamePortValuesRequired,
	)
}

// hasEntry reports whether the gateway already holds a mapping for port.
func (l *Lease) hasEntry(ctx context.Context, port uint16) bool {
	_, err := l.svc.GetSpecificPortMappingEntry(ctx, l.req.Protocol, port)
	if err != nil && !igd.IsFault(err, igd.CodeNoSuchEntryInArray) {
		l.cfg.log.Debugf("Failed to look up existing mapping of %s %d: %v", l.req.Protocol, port, err)
	}

	return err == nil
}

func (l *Lease) renewInterval() time.Duration {
	return time.Duration(float64(l.req.LeaseDuration) * l.cfg.renewalFraction)
}

// retryDelay spreads the remaining renewal attempts over what is left of the lease.
func (l *Lease) retryDelay() time.Duration {
	d := (l.req.LeaseDuration - l.renewInterval()) / time.Duration(l.cfg.maxRenewalFailures)
	if l.cfg.renewalRetryInterval > 0 && l.cfg.renewalRetryInterval < d {
		d = l.cfg.renewalRetryInterval
	}

	return d
}

func (l *Lease) scheduleLocked(d time.Duration) {
	epoch := l.epoch
	l.nextRenewalAt = l.cfg.clock.Now().Add(d)
	l.timer = l.cfg.clock.AfterFunc(d, func() {
		if err := l.renew(epoch); err != nil && l.cfg.onLost != nil {
			l.cfg.onLost(err)
		}
	})
}

func (l *Lease) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.nextRenewalAt = time.Time{}
}

// renew refreshes the mapping and returns a non-nil error once the lease is lost.
func (l *Lease) renew(epoch uint64) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	if l.epoch != epoch || l.state != LeaseActive {
		l.mu.Unlock()

		return nil
	}
	l.state = LeaseRenewing
	l.timer = nil
	m := l.req.portMapping(l.result.ExternalPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.opCancel = cancel
	l.mu.Unlock()

	err := l.svc.AddPortMapping(ctx, m)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.opCancel = nil
	if l.epoch != epoch {
		return nil
	}

	if err == nil {
		l.consecutiveFailures = 0
		l.state = LeaseActive
		l.goodUntil = l.cfg.clock.Now().Add(l.req.LeaseDuration)
		l.scheduleLocked(l.renewInterval())
		l.cfg.metrics.renewal(nil)
		l.cfg.log.Debugf("Renewed %s %s until %s", l.req.Protocol, l.result.External(), l.goodUntil.Format(time.RFC3339))

		return nil
	}

	l.consecutiveFailures++
	l.cfg.metrics.renewal(err)

	if l.consecutiveFailures >= l.cfg.maxRenewalFailures {
		l.state = LeaseFailed
		l.stopTimerLocked()
		l.goodUntil = time.Time{}
		l.result = MappingResult{}
		l.cfg.metrics.leaseReleased()
		l.cfg.log.Errorf("Lost %s mapping for %s after %d failed renewals: %v", l.req.Protocol, l.req.Internal(), l.consecutiveFailures, err)

		return fmt.Errorf("%w after %d failed renewals: %w", ErrLeaseLost, l.consecutiveFailures, err)
	}

	l.state = LeaseActive
	delay := l.retryDelay()
	l.scheduleLocked(delay)
	l.cfg.log.Warnf("Failed to renew %s %s (attempt %d), retrying in %s: %v", l.req.Protocol, l.result.External(), l.consecutiveFailures, delay, err)

	return nil
}

// Unmap cancels renewal and any in-flight operation, then deletes the mapping.
// Deletion is best effort: a failure is logged and returned, but the lease
// is idle afterwards either way since the gateway expires it eventually.
func (l *Lease) Unmap(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case LeaseIdle, LeaseUnmapping:
		l.mu.Unlock()

		return nil
	case LeaseFailed:
		l.state = LeaseIdle
		l.mu.Unlock()

		return nil
	}

	l.state = LeaseUnmapping
	l.epoch++
	l.stopTimerLocked()
	if l.opCancel != nil {
		l.opCancel()
	}
	l.mu.Unlock()

	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	res := l.result
	l.mu.Unlock()

	var err error
	if res.ExternalPort != 0 {
		err = l.svc.DeletePortMapping(ctx, l.req.Protocol, res.ExternalPort)
		if igd.IsFault(err, igd.CodeNoSuchEntryInArray) {
			err = nil
		}
		if err != nil {
			l.cfg.log.Warnf("Failed to remove %s mapping %s: %v", l.req.Protocol, res.External(), err)
		} else {
			l.cfg.log.Infof("Removed %s mapping %s", l.req.Protocol, res.External())
		}
		l.cfg.metrics.leaseReleased()
	}

	l.mu.Lock()
	l.state = LeaseIdle
	l.result = MappingResult{}
	l.goodUntil = time.Time{}
	l.consecutiveFailures = 0
	l.mu.Unlock()

	return err
}

// forsake drops the mapping without deleting it from the gateway, for entries
// owned by another lease.
func (l *Lease) forsake() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.epoch++
	l.stopTimerLocked()
	if l.result.ExternalPort != 0 {
		l.cfg.metrics.leaseReleased()
	}
	l.state = LeaseIdle
	l.result = MappingResult{}
	l.goodUntil = time.Time{}
	l.consecutiveFailures = 0
}

// Release implements Mapping.
func (l *Lease) Release(ctx context.Context) {
	_ = l.Unmap(ctx)
}

// GoodUntil implements Mapping.
func (l *Lease) GoodUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.goodUntil
}

// RenewAfter implements Mapping.
func (l *Lease) RenewAfter() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.nextRenewalAt
}

// External implements Mapping.
func (l *Lease) External() netip.AddrPort {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.result.External()
}

// Result returns the current mapping result, zero unless mapped.
func (l *Lease) Result() MappingResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.result
}

// State returns the current lifecycle state.
func (l *Lease) State() LeaseState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

// ConsecutiveFailures returns the number of failed renewals since the last success.
func (l *Lease) ConsecutiveFailures() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.consecutiveFailures
}

// Request returns the request the lease was created for.
func (l *Lease) Request() MappingRequest {
	return l.req
}
