// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package portmap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/portmap/igd"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

const resolveKey = "gateway"

// mappingKey reserves an external port. Requests with an automatically selected
// port are keyed by their internal endpoint until the gateway grants one, then
// they hold the granted port as well.
type mappingKey struct {
	protocol     Protocol
	externalPort uint16

	// internal is only set for automatically selected external ports.
	internal netip.AddrPort
}

func keyOf(req MappingRequest) mappingKey {
	k := mappingKey{protocol: req.Protocol, externalPort: req.ExternalPort}
	if req.ExternalPort == 0 {
		k.internal = req.Internal()
	}

	return k
}

// Client requests port mappings from the Internet Gateway Device of the local network.
//
// The gateway is discovered once and cached; every mapping is owned by its own
// Lease, and leases only share the read-only gateway description.
type Client struct {
	cfg ClientConfig
	log logging.LeveledLogger

	discoverer *igd.Discoverer
	fetcher    *igd.Fetcher
	soap       *igd.SOAPClient
	metrics    *metrics

	resolve singleflight.Group

	// ctx lives until Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	gateway *igd.Gateway
	subs    map[uuid.UUID]*Subscription
	keys    map[mappingKey]uuid.UUID
	closed  bool
}

// NewClient creates a new client.
func NewClient(config ClientConfig) (*Client, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("portmap: register metrics: %w", err)
	}

	igdLog := cfg.LoggerFactory.NewLogger("igd")
	httpClient := *cfg.HTTPClient
	httpClient.Timeout = cfg.RequestTimeout

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		cfg: cfg,
		log: cfg.LoggerFactory.NewLogger("portmap"),
		discoverer: &igd.Discoverer{
			MulticastAddr: cfg.MulticastAddr,
			Interface:     cfg.Interface,
			Logger:        igdLog,
		},
		fetcher: &igd.Fetcher{
			HTTPClient: &httpClient,
			Logger:     igdLog,
		},
		soap: &igd.SOAPClient{
			HTTPClient: cfg.HTTPClient,
			Timeout:    cfg.RequestTimeout,
			Logger:     igdLog,
		},
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		subs:    map[uuid.UUID]*Subscription{},
		keys:    map[mappingKey]uuid.UUID{},
	}, nil
}

// MapPort starts mapping a port and returns immediately. The outcome is delivered
// on the subscription. Invalid and duplicate requests fail synchronously.
func (c *Client) MapPort(ctx context.Context, req MappingRequest) (*Subscription, error) {
	if !req.InternalClient.IsValid() {
		addr, err := c.cfg.LocalAddr()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		req.InternalClient = addr
	}
	req.InternalClient = req.InternalClient.Unmap()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()

		return nil, ErrClosed
	}

	key := keyOf(req)
	if _, ok := c.keys[key]; ok {
		c.mu.Unlock()
		cancel()

		return nil, fmt.Errorf("%w: %s %d", ErrDuplicateMapping, req.Protocol, req.ExternalPort)
	}

	sub := newSubscription(c, req, cancel)
	c.subs[sub.id] = sub
	c.keys[key] = sub.id
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(runCtx, sub)

	return sub, nil
}

func (c *Client) run(ctx context.Context, sub *Subscription) {
	defer c.wg.Done()
	defer close(sub.done)

	svc, err := c.service(ctx)
	if err != nil {
		c.fail(sub, err)

		return
	}

	lease := newLease(sub.req, svc, leaseConfig{
		clock:                c.cfg.Clock,
		renewalFraction:      c.cfg.RenewalFraction,
		maxRenewalFailures:   c.cfg.MaxRenewalFailures,
		renewalRetryInterval: c.cfg.RenewalRetryInterval,
		log:                  c.log,
		metrics:              c.metrics,
		onLost: func(err error) {
			c.fail(sub, err)
		},
	})
	if !sub.attach(lease) {
		return
	}

	res, err := lease.Map(ctx)
	if errors.Is(err, ErrReleased) {
		return
	}
	if err != nil {
		c.fail(sub, err)

		return
	}

	if !c.claim(sub, res.ExternalPort) {
		// The gateway entry belongs to another subscription; leave it alone.
		lease.forsake()
		c.fail(sub, fmt.Errorf("%w: %s %d granted to another request", ErrDuplicateMapping, sub.req.Protocol, res.ExternalPort))

		return
	}

	sub.emit(&MappedEvent{
		SubscriptionID:        sub.id,
		Protocol:              sub.req.Protocol,
		ExternalIP:            res.ExternalIP,
		ReplacedExistingEntry: res.ReplacedExistingEntry,
		ExternalPort:          res.ExternalPort,
		LocalIP:               sub.req.InternalClient,
		LocalPort:             sub.req.InternalPort,
		Description:           sub.req.Description,
	})
}

// fail delivers the terminal error of a subscription.
func (c *Client) fail(sub *Subscription, err error) {
	sub.mu.Lock()
	unmapping := sub.unmapping
	sub.mu.Unlock()
	if unmapping && errors.Is(err, context.Canceled) {
		return
	}

	sub.emit(newErrorEvent(sub.id, sub.req, err))
	c.forget(sub)
	sub.close()
}

// claim reserves the external port granted to sub. It fails if another
// subscription holds that port.
func (c *Client) claim(sub *Subscription, externalPort uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := mappingKey{protocol: sub.req.Protocol, externalPort: externalPort}
	if id, ok := c.keys[key]; ok && id != sub.id {
		return false
	}
	if _, ok := c.subs[sub.id]; !ok {
		// Already unmapped.
		return true
	}
	c.keys[key] = sub.id

	return true
}

func (c *Client) forget(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[sub.id]; !ok {
		return
	}
	delete(c.subs, sub.id)

	for key, id := range c.keys {
		if id == sub.id {
			delete(c.keys, key)
		}
	}
}

func (c *Client) service(ctx context.Context) (*igd.Service, error) {
	gw, err := c.Gateway(ctx)
	if err != nil {
		return nil, err
	}

	return &igd.Service{Gateway: gw, Client: c.soap}, nil
}

// Gateway returns the cached gateway, resolving it first if needed. Concurrent
// callers share one resolution.
func (c *Client) Gateway(ctx context.Context) (*igd.Gateway, error) {
	c.mu.Lock()
	gw := c.gateway
	c.mu.Unlock()
	if gw != nil {
		return gw, nil
	}

	ch := c.resolve.DoChan(resolveKey, func() (interface{}, error) {
		start := c.cfg.Clock.Now()

		gw, err := c.discover(c.ctx)
		if err != nil {
			c.log.Warnf("Failed to resolve gateway: %v", err)

			return nil, err
		}

		c.metrics.resolved(c.cfg.Clock.Now().Sub(start))
		c.log.Infof("Using gateway %s", gw)

		c.mu.Lock()
		c.gateway = gw
		c.mu.Unlock()

		return gw, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}

		return r.Val.(*igd.Gateway), nil //nolint:forcetypeassert
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// discover searches for gateways and returns the first one whose description
// resolves. Description failures advance to the next candidate.
func (c *Client) discover(ctx context.Context) (*igd.Gateway, error) {
	if c.cfg.GatewayURL != "" {
		u, err := url.Parse(c.cfg.GatewayURL)
		if err != nil {
			return nil, fmt.Errorf("%w: gateway URL: %v", ErrInvalidConfig, err) //nolint:errorlint
		}

		return c.fetcher.FetchURL(ctx, u)
	}

	search, err := c.discoverer.Discover(ctx, c.cfg.DiscoveryTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = search.Close()
	}()

	var lastErr error
	for {
		cand, err := search.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) && lastErr != nil {
				return nil, lastErr
			}

			return nil, err
		}

		gw, err := c.fetcher.Fetch(ctx, cand)
		if err != nil {
			c.log.Debugf("Skipping candidate %s: %v", cand.Location, err)
			lastErr = err

			continue
		}

		return gw, nil
	}
}

// Rediscover drops the cached gateway and resolves it again. Existing mappings
// keep using the gateway they were created on.
func (c *Client) Rediscover(ctx context.Context) (*igd.Gateway, error) {
	c.mu.Lock()
	c.gateway = nil
	c.mu.Unlock()
	c.resolve.Forget(resolveKey)

	return c.Gateway(ctx)
}

// ExternalIP asks the gateway for its WAN address.
func (c *Client) ExternalIP(ctx context.Context) (netip.Addr, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return netip.Addr{}, err
	}

	return svc.GetExternalIPAddress(ctx)
}

// RemovePort removes the tracked mapping of externalPort. Both the requested and
// the granted external port are matched.
func (c *Client) RemovePort(ctx context.Context, proto Protocol, externalPort uint16) error {
	if externalPort == 0 {
		return fmt.Errorf("%w: external port is 0", ErrInvalidRequest)
	}

	return c.removeWhere(ctx, func(s *Subscription) bool {
		return s.matches(proto, externalPort)
	})
}

// RemovePortLocal removes every tracked mapping towards localIP:localPort.
func (c *Client) RemovePortLocal(ctx context.Context, proto Protocol, localIP netip.Addr, localPort uint16) error {
	internal := netip.AddrPortFrom(localIP.Unmap(), localPort)

	return c.removeWhere(ctx, func(s *Subscription) bool {
		return s.req.Protocol == proto && s.req.Internal() == internal
	})
}

func (c *Client) removeWhere(ctx context.Context, match func(*Subscription) bool) error {
	var matched []*Subscription

	c.mu.Lock()
	for _, s := range c.subs {
		if match(s) {
			matched = append(matched, s)
		}
	}
	c.mu.Unlock()

	if len(matched) == 0 {
		return ErrNoSuchMapping
	}

	var err error
	for _, s := range matched {
		err = multierr.Append(err, s.Unmap(ctx))
	}

	return err
}

// Close removes all mappings and stops the client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}
	c.closed = true

	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	var err error
	for _, s := range subs {
		err = multierr.Append(err, c.unmapWithTimeout(s))
	}

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.gateway = nil
	c.mu.Unlock()

	return err
}

func (c *Client) unmapWithTimeout(s *Subscription) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	return s.Unmap(ctx)
}
