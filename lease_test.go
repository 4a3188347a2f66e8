// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package portmap

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/portmap/igd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRouterDown = errors.New("router down")

type fakeService struct {
	mu sync.Mutex

	// addErrs is consumed by AddPortMapping, one entry per call. A nil entry
	// or an exhausted slice means success.
	addErrs []error
	adds    []igd.PortMapping

	anyPort uint16
	anyErr  error

	deleteErr error
	deletes   []uint16

	externalIP netip.Addr
	ipErr      error

	// ipBlock makes GetExternalIPAddress wait for the channel or the context.
	ipBlock   chan struct{}
	ipStarted chan struct{}

	existing map[uint16]bool

	// block makes AddPortMapping wait for the channel or the context.
	block   chan struct{}
	started chan struct{}
}

func newFakeService() *fakeService {
	return &fakeService{
		anyErr:     igd.ErrUnsupportedAction,
		externalIP: netip.MustParseAddr("203.0.113.5"),
		existing:   map[uint16]bool{},
	}
}

func (f *fakeService) AddPortMapping(ctx context.Context, m igd.PortMapping) error {
	f.mu.Lock()
	f.adds = append(f.adds, m)
	var err error
	if len(f.addErrs) > 0 {
		err = f.addErrs[0]
		f.addErrs = f.addErrs[1:]
	}
	block, started := f.block, f.started
	f.mu.Unlock()

	if block != nil {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

func (f *fakeService) AddAnyPortMapping(_ context.Context, m igd.PortMapping) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.anyErr != nil {
		return 0, f.anyErr
	}
	f.adds = append(f.adds, m)

	return f.anyPort, nil
}

func (f *fakeService) DeletePortMapping(ctx context.Context, _ igd.Protocol, externalPort uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes = append(f.deletes, externalPort)

	return f.deleteErr
}

func (f *fakeService) GetExternalIPAddress(ctx context.Context) (netip.Addr, error) {
	f.mu.Lock()
	block, started := f.ipBlock, f.ipStarted
	f.mu.Unlock()

	if block != nil {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
			return netip.Addr{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.externalIP, f.ipErr
}

func (f *fakeService) GetSpecificPortMappingEntry(_ context.Context, _ igd.Protocol, externalPort uint16) (*igd.PortMappingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.existing[externalPort] {
		return nil, &igd.SOAPFault{Code: igd.CodeNoSuchEntryInArray}
	}

	return &igd.PortMappingEntry{}, nil
}

func (f *fakeService) addCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.adds)
}

func (f *fakeService) add(i int) igd.PortMapping {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.adds[i]
}

func (f *fakeService) deleted() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]uint16(nil), f.deletes...)
}

func testRequest() MappingRequest {
	return MappingRequest{
		Protocol:       ProtocolTCP,
		InternalClient: netip.MustParseAddr("192.168.1.50"),
		InternalPort:   8080,
		LeaseDuration:  10 * time.Second,
		Description:    "test",
	}
}

type lostRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *lostRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
}

func (r *lostRecorder) get() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]error(nil), r.errs...)
}

func newTestLease(req MappingRequest, svc gatewayService, mock *clock.Mock, lost *lostRecorder) *Lease {
	return newLease(req, svc, leaseConfig{
		clock:                mock,
		renewalFraction:      DefaultRenewalFraction,
		maxRenewalFailures:   DefaultMaxRenewalFailures,
		renewalRetryInterval: DefaultRenewalRetryInterval,
		log:                  logging.NewDefaultLoggerFactory().NewLogger("portmap"),
		onLost:               lost.record,
	})
}

func TestLeaseMapSchedulesRenewal(t *testing.T) {
	svc := newFakeService()
	mock := clock.NewMock()
	l := newTestLease(testRequest(), svc, mock, &lostRecorder{})

	start := mock.Now()
	res, err := l.Map(context.Background())
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddr("203.0.113.5"), res.ExternalIP)
	assert.Equal(t, uint16(8080), res.ExternalPort)
	assert.Equal(t, LeaseActive, l.State())
	assert.Equal(t, start.Add(5*time.Second), l.RenewAfter())
	assert.Equal(t, start.Add(10*time.Second), l.GoodUntil())
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.5:8080"), l.External())

	mock.Add(4 * time.Second)
	assert.Equal(t, 1, svc.addCount(), "renewed too early")

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return svc.addCount() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return l.RenewAfter().Equal(start.Add(10 * time.Second)) }, time.Second, time.Millisecond)

	assert.Equal(t, LeaseActive, l.State())
	assert.Equal(t, uint16(0), svc.add(0).ExternalPort)
	assert.Equal(t, uint16(8080), svc.add(1).ExternalPort, "renewal addresses the granted port")
	assert.Equal(t, svc.add(0).InternalPort, svc.add(1).InternalPort)
}

func TestLeaseLostAfterConsecutiveFailures(t *testing.T) {
	svc := newFakeService()
	svc.addErrs = []error{nil, errRouterDown, errRouterDown, errRouterDown}
	mock := clock.NewMock()
	lost := &lostRecorder{}
	l := newTestLease(testRequest(), svc, mock, lost)

	_, err := l.Map(context.Background())
	require.NoError(t, err)

	mock.Add(5 * time.Second)
	for attempt := 1; attempt <= DefaultMaxRenewalFailures; attempt++ {
		require.Eventually(t, func() bool { return svc.addCount() == 1+attempt }, time.Second, time.Millisecond)
		if attempt < DefaultMaxRenewalFailures {
			require.Eventually(t, func() bool { return l.ConsecutiveFailures() == attempt }, time.Second, time.Millisecond)
			// Retries are spread over the remaining five seconds of the lease.
			mock.Add(2 * time.Second)
		}
	}

	require.Eventually(t, func() bool { return len(lost.get()) == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, lost.get()[0], ErrLeaseLost)
	assert.ErrorIs(t, lost.get()[0], errRouterDown)
	assert.Equal(t, LeaseFailed, l.State())
	assert.True(t, l.RenewAfter().IsZero())

	mock.Add(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1+DefaultMaxRenewalFailures, svc.addCount(), "no renewal after the lease is lost")
	assert.Len(t, lost.get(), 1)
}

func TestLeaseRenewalRecovers(t *testing.T) {
	svc := newFakeService()
	svc.addErrs = []error{nil, errRouterDown, nil}
	mock := clock.NewMock()
	l := newTestLease(testRequest(), svc, mock, &lostRecorder{})

	_, err := l.Map(context.Background())
	require.NoError(t, err)

	mock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return l.ConsecutiveFailures() == 1 }, time.Second, time.Millisecond)

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return svc.addCount() == 3 && l.ConsecutiveFailures() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, LeaseActive, l.State())
}

func TestLeasePermanentIsNotRenewed(t *testing.T) {
	svc := newFakeService()
	mock := clock.NewMock()
	req := testRequest()
	req.LeaseDuration = 0
	l := newTestLease(req, svc, mock, &lostRecorder{})

	_, err := l.Map(context.Background())
	require.NoError(t, err)
	assert.True(t, l.RenewAfter().IsZero())
	assert.True(t, l.GoodUntil().IsZero())

	mock.Add(24 * time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, svc.addCount())
}

func TestLeaseAutoPortWildcardAccepted(t *testing.T) {
	svc := newFakeService()
	l := newTestLease(testRequest(), svc, clock.NewMock(), &lostRecorder{})

	res, err := l.Map(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint16(8080), res.ExternalPort)
	assert.NotZero(t, res.ExternalPort)
	assert.True(t, res.ExternalIP.Is4())
	assert.Equal(t, uint16(0), svc.add(0).ExternalPort)
}

func TestLeaseAutoPortWildcardRejected(t *testing.T) {
	svc := newFakeService()
	svc.addErrs = []error{&igd.SOAPFault{Code: igd.CodeWildCardNotPermittedInExtPort}}
	mock := clock.NewMock()
	l := newTestLease(testRequest(), svc, mock, &lostRecorder{})

	res, err := l.Map(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint16(8080), res.ExternalPort)
	require.Equal(t, 2, svc.addCount())
	assert.Equal(t, uint16(0), svc.add(0).ExternalPort)
	assert.Equal(t, uint16(8080), svc.add(1).ExternalPort)

	mock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return svc.addCount() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, uint16(8080), svc.add(2).ExternalPort)
}

func TestLeaseAddAnyPortMapping(t *testing.T) {
	svc := newFakeService()
	svc.anyErr = nil
	svc.anyPort = 40123
	l := newTestLease(testRequest(), svc, clock.NewMock(), &lostRecorder{})

	res, err := l.Map(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(40123), res.ExternalPort)
	assert.Equal(t, uint16(8080), svc.add(0).ExternalPort, "internal port is the preferred external port")

	require.NoError(t, l.Unmap(context.Background()))
	assert.Equal(t, []uint16{40123}, svc.deleted())
}

func TestLeaseConflictIsNotRetried(t *testing.T) {
	svc := newFakeService()
	svc.addErrs = []error{&igd.SOAPFault{Code: igd.CodeConflictInMappingEntry, Description: "ConflictInMappingEntry"}}
	l := newTestLease(testRequest(), svc, clock.NewMock(), &lostRecorder{})

	_, err := l.Map(context.Background())

	var fault *igd.SOAPFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, 718, fault.Code)
	assert.Equal(t, 1, svc.addCount())
	assert.Equal(t, LeaseFailed, l.State())
	assert.True(t, l.RenewAfter().IsZero())
}

func TestLeaseReplacedExistingEntry(t *testing.T) {
	svc := newFakeService()
	svc.existing[9000] = true
	req := testRequest()
	req.ExternalPort = 9000
	l := newTestLease(req, svc, clock.NewMock(), &lostRecorder{})

	res, err := l.Map(context.Background())
	require.NoError(t, err)
	assert.True(t, res.ReplacedExistingEntry)
	assert.Equal(t, uint16(9000), res.ExternalPort)
}

func TestLeaseExternalIPFailureRemovesMapping(t *testing.T) {
	svc := newFakeService()
	svc.ipErr = igd.ErrInvalidExternalIP
	req := testRequest()
	req.ExternalPort = 9000
	l := newTestLease(req, svc, clock.NewMock(), &lostRecorder{})

	_, err := l.Map(context.Background())
	assert.ErrorIs(t, err, ErrInvalidExternalIP)
	assert.Equal(t, []uint16{9000}, svc.deleted())
	assert.Equal(t, LeaseFailed, l.State())
}

func TestLeaseUnmapCancelsRenewal(t *testing.T) {
	svc := newFakeService()
	mock := clock.NewMock()
	l := newTestLease(testRequest(), svc, mock, &lostRecorder{})

	_, err := l.Map(context.Background())
	require.NoError(t, err)

	require.NoError(t, l.Unmap(context.Background()))
	assert.Equal(t, LeaseIdle, l.State())
	assert.True(t, l.RenewAfter().IsZero())
	assert.False(t, l.External().IsValid())
	assert.Equal(t, []uint16{8080}, svc.deleted())

	mock.Add(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, svc.addCount())

	// Release is idempotent.
	l.Release(context.Background())
	assert.Len(t, svc.deleted(), 1)
}

func TestLeaseUnmapIsBestEffort(t *testing.T) {
	svc := newFakeService()
	svc.deleteErr = errRouterDown
	l := newTestLease(testRequest(), svc, clock.NewMock(), &lostRecorder{})

	_, err := l.Map(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, l.Unmap(context.Background()), errRouterDown)
	assert.Equal(t, LeaseIdle, l.State())
}

func TestLeaseUnmapNoSuchEntry(t *testing.T) {
	svc := newFakeService()
	svc.deleteErr = &igd.SOAPFault{Code: igd.CodeNoSuchEntryInArray}
	l := newTestLease(testRequest(), svc, clock.NewMock(), &lostRecorder{})

	_, err := l.Map(context.Background())
	require.NoError(t, err)
	assert.NoError(t, l.Unmap(context.Background()))
}

func TestLeaseUnmapDuringMap(t *testing.T) {
	svc := newFakeService()
	svc.block = make(chan struct{})
	svc.started = make(chan struct{})
	l := newTestLease(testRequest(), svc, clock.NewMock(), &lostRecorder{})

	errc := make(chan error, 1)
	go func() {
		_, err := l.Map(context.Background())
		errc <- err
	}()

	<-svc.started
	assert.Equal(t, LeaseMapping, l.State())

	require.NoError(t, l.Unmap(context.Background()))
	assert.ErrorIs(t, <-errc, ErrReleased)
	assert.Equal(t, LeaseIdle, l.State())
	assert.Empty(t, svc.deleted())
}

func TestLeaseUnmapDuringExternalIPLookup(t *testing.T) {
	svc := newFakeService()
	svc.ipBlock = make(chan struct{})
	svc.ipStarted = make(chan struct{})
	l := newTestLease(testRequest(), svc, clock.NewMock(), &lostRecorder{})

	errc := make(chan error, 1)
	go func() {
		_, err := l.Map(context.Background())
		errc <- err
	}()

	<-svc.ipStarted
	require.NoError(t, l.Unmap(context.Background()))
	assert.ErrorIs(t, <-errc, ErrReleased)
	assert.Equal(t, []uint16{8080}, svc.deleted(), "added entry removed despite cancellation")
	assert.Equal(t, LeaseIdle, l.State())
}

func TestLeaseForsake(t *testing.T) {
	svc := newFakeService()
	mock := clock.NewMock()
	l := newTestLease(testRequest(), svc, mock, &lostRecorder{})

	_, err := l.Map(context.Background())
	require.NoError(t, err)

	l.forsake()
	assert.Equal(t, LeaseIdle, l.State())
	assert.True(t, l.RenewAfter().IsZero())
	assert.False(t, l.External().IsValid())

	mock.Add(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, svc.addCount(), "no renewal")

	require.NoError(t, l.Unmap(context.Background()))
	assert.Empty(t, svc.deleted())
}

func TestLeaseMapWhileActive(t *testing.T) {
	l := newTestLease(testRequest(), newFakeService(), clock.NewMock(), &lostRecorder{})

	_, err := l.Map(context.Background())
	require.NoError(t, err)

	_, err = l.Map(context.Background())
	assert.ErrorIs(t, err, errLeaseBusy)
}

func TestLeaseRemapAfterUnmap(t *testing.T) {
	svc := newFakeService()
	l := newTestLease(testRequest(), svc, clock.NewMock(), &lostRecorder{})

	_, err := l.Map(context.Background())
	require.NoError(t, err)
	require.NoError(t, l.Unmap(context.Background()))

	res, err := l.Map(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, res.ExternalPort)
	assert.Equal(t, LeaseActive, l.State())
}

func TestLeaseStateString(t *testing.T) {
	assert.Equal(t, "renewing", LeaseRenewing.String())
	assert.Equal(t, "LeaseState(42)", LeaseState(42).String())
}
