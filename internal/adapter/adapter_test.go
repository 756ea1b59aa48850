package adapter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdgate/mdgate/internal/feed"
	"github.com/mdgate/mdgate/pkg/md"
)

// fakeDriver records every request and lets tests fire callbacks manually.
type fakeDriver struct {
	mu         sync.Mutex
	cb         feed.Callbacks
	front      string
	logins     []*feed.LoginRequest
	subscribes [][]string
	unsubs     [][]string
	released   bool
}

func (f *fakeDriver) RegisterCallbacks(cb feed.Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeDriver) RegisterFront(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.front = addr
}

func (f *fakeDriver) Init() error { return nil }

func (f *fakeDriver) Login(req *feed.LoginRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *req
	f.logins = append(f.logins, &cp)
	return nil
}

func (f *fakeDriver) SubscribeMarketData(codes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, append([]string(nil), codes...))
	return nil
}

func (f *fakeDriver) UnsubscribeMarketData(codes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, append([]string(nil), codes...))
	return nil
}

func (f *fakeDriver) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

func (f *fakeDriver) callbacks() feed.Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *fakeDriver) subscribeCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.subscribes...)
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []*md.Snapshot
}

func (r *recordingSink) Publish(source md.Source, snap *md.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recordingSink) at(i int) *md.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[i]
}

func newTestAdapter(t *testing.T, driver *fakeDriver, sink Sink) *Adapter {
	t.Helper()
	a := New(Config{
		Name:      "test",
		Source:    md.SourceCTP,
		FrontAddr: "tcp://front:10211",
		BrokerID:  "9999",
		UserID:    "166719",
		Password:  "secret",
		Normalize: NormalizeFutures,
		NewDriver: func() feed.Driver { return driver },
	}, sink)
	a.Start()
	t.Cleanup(a.Stop)
	return a
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func login(t *testing.T, driver *fakeDriver, a *Adapter) {
	t.Helper()
	waitFor(t, func() bool { return driver.callbacks() != nil }, "callbacks never registered")
	driver.callbacks().OnFrontConnected()
	waitFor(t, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		return len(driver.logins) > 0
	}, "login never sent")
	driver.callbacks().OnRspUserLogin(&feed.RspUserLogin{TradingDay: "20221104"}, nil)
	waitFor(t, func() bool { return a.State() == StateLoggedIn }, "never logged in")
}

func TestSubscribeNormalizesAndDedupes(t *testing.T) {
	driver := &fakeDriver{}
	a := newTestAdapter(t, driver, nil)
	login(t, driver, a)

	a.Subscribe([]string{"SHFE.au2212", "au2212", "rb2301"})
	waitFor(t, func() bool { return len(driver.subscribeCalls()) == 1 }, "subscribe never sent")

	assert.Equal(t, []string{"au2212", "rb2301"}, a.Subscriptions())
	assert.Equal(t, []string{"au2212", "rb2301"}, driver.subscribeCalls()[0])

	// Already desired: nothing new goes upstream.
	a.Subscribe([]string{"au2212"})
	a.Unsubscribe([]string{"SHFE.rb2301"})
	waitFor(t, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		return len(driver.unsubs) == 1
	}, "unsubscribe never sent")
	assert.Len(t, driver.subscribeCalls(), 1)
	assert.Equal(t, []string{"au2212"}, a.Subscriptions())
}

func TestSubscribeBeforeLoginIsDeferred(t *testing.T) {
	driver := &fakeDriver{}
	a := newTestAdapter(t, driver, nil)

	a.Subscribe([]string{"au2212", "rb2301"})
	assert.Equal(t, []string{"au2212", "rb2301"}, a.Subscriptions())
	assert.Empty(t, driver.subscribeCalls())

	login(t, driver, a)

	// One batched subscribe of the whole desired set after login.
	waitFor(t, func() bool { return len(driver.subscribeCalls()) == 1 }, "resubscribe never sent")
	assert.Equal(t, []string{"au2212", "rb2301"}, driver.subscribeCalls()[0])
}

func TestDisconnectPreservesDesiredAndResubscribesOnce(t *testing.T) {
	driver := &fakeDriver{}
	a := newTestAdapter(t, driver, nil)
	login(t, driver, a)

	a.Subscribe([]string{"au2212", "rb2301"})
	waitFor(t, func() bool { return len(driver.subscribeCalls()) == 1 }, "subscribe never sent")

	driver.callbacks().OnFrontDisconnected(feed.DisconnectHeartbeatTimeout)
	waitFor(t, func() bool { return a.State() == StateDisconnected }, "never disconnected")
	assert.Equal(t, []string{"au2212", "rb2301"}, a.Subscriptions())

	// Front comes back: login again, then one batched resubscribe.
	login(t, driver, a)
	waitFor(t, func() bool { return len(driver.subscribeCalls()) == 2 }, "resubscribe never sent")
	assert.Equal(t, []string{"au2212", "rb2301"}, driver.subscribeCalls()[1])
}

func TestRejectedSubscriptionNotMarkedActive(t *testing.T) {
	driver := &fakeDriver{}

	var mu sync.Mutex
	var nacked []string
	a := New(Config{
		Name:      "test",
		Source:    md.SourceCTP,
		Normalize: NormalizeFutures,
		NewDriver: func() feed.Driver { return driver },
		OnSubscriptionNack: func(code string, err error) {
			mu.Lock()
			defer mu.Unlock()
			nacked = append(nacked, code)
		},
	}, nil)
	a.Start()
	t.Cleanup(a.Stop)
	login(t, driver, a)

	a.Subscribe([]string{"au2212", "rb2301"})
	waitFor(t, func() bool { return len(driver.subscribeCalls()) == 1 }, "subscribe never sent")

	driver.callbacks().OnRspSubMarketData("au2212", &feed.RspError{Code: 4, Message: "no such instrument"}, false)
	driver.callbacks().OnRspSubMarketData("rb2301", nil, true)

	// The rejected instrument stays desired so a later reconnect retries,
	// but only the acked one is confirmed.
	waitFor(t, func() bool {
		conf := a.Confirmed()
		return len(conf) == 1 && conf[0] == "rb2301"
	}, "ack never confirmed")
	assert.Equal(t, StateLoggedIn, a.State())
	assert.Equal(t, []string{"au2212", "rb2301"}, a.Subscriptions())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"au2212"}, nacked)
}

func TestAutoReconnectAfterDisconnect(t *testing.T) {
	var mu sync.Mutex
	var drivers []*fakeDriver
	nthDriver := func(i int) *fakeDriver {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(drivers) {
			return nil
		}
		return drivers[i]
	}

	a := New(Config{
		Name:              "test",
		Source:            md.SourceCTP,
		Normalize:         NormalizeFutures,
		ReconnectInterval: 20 * time.Millisecond,
		NewDriver: func() feed.Driver {
			mu.Lock()
			defer mu.Unlock()
			f := &fakeDriver{}
			drivers = append(drivers, f)
			return f
		},
	}, nil)
	a.Start()
	t.Cleanup(a.Stop)

	first := func() *fakeDriver { return nthDriver(0) }
	waitFor(t, func() bool { return first() != nil && first().callbacks() != nil }, "first driver never built")
	login(t, first(), a)

	a.Subscribe([]string{"au2212"})
	waitFor(t, func() bool { return len(first().subscribeCalls()) == 1 }, "subscribe never sent")

	first().callbacks().OnFrontDisconnected(feed.DisconnectHeartbeatTimeout)

	// With no external restart, the adapter rebuilds the handle on its
	// own timer and releases the dead one.
	second := func() *fakeDriver { return nthDriver(1) }
	waitFor(t, func() bool { return second() != nil && second().callbacks() != nil }, "no self-reconnect")
	waitFor(t, func() bool {
		first().mu.Lock()
		defer first().mu.Unlock()
		return first().released
	}, "dead handle never released")

	// The fresh connection logs in and resubscribes the desired set.
	login(t, second(), a)
	waitFor(t, func() bool { return len(second().subscribeCalls()) == 1 }, "resubscribe never sent")
	assert.Equal(t, []string{"au2212"}, second().subscribeCalls()[0])
}

func TestDepthFrameReachesSink(t *testing.T) {
	driver := &fakeDriver{}
	sink := &recordingSink{}
	a := newTestAdapter(t, driver, sink)
	login(t, driver, a)

	driver.callbacks().OnRtnDepthMarketData(&feed.DepthMarketData{
		InstrumentID:   "au2212",
		ActionDay:      "20221104",
		UpdateTime:     "14:32:15",
		UpdateMillisec: 500,
		LastPrice:      378.4,
		Volume:         1024,
		ClosePrice:     "-",
		OpenInterest:   "12500",
		Bids:           []feed.Level{{Price: 378.3, Volume: 12}},
		Asks:           []feed.Level{{Price: 378.5, Volume: 9}},
	})

	waitFor(t, func() bool { return sink.count() == 1 }, "snapshot never published")
	snap := sink.at(0)
	assert.Equal(t, "au2212", snap.InstrumentID)
	assert.Equal(t, 378.4, snap.LastPrice)
	assert.True(t, snap.IsDerivative())

	// Unparseable frame is dropped, not published.
	driver.callbacks().OnRtnDepthMarketData(&feed.DepthMarketData{
		InstrumentID: "au2212",
		ActionDay:    "garbage",
		UpdateTime:   "14:32:16",
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestLoginBufferTruncation(t *testing.T) {
	req := buildLoginRequest(
		"123456789012345",          // longer than the 11 byte buffer
		"user-with-a-long-name-xx", // longer than 16
		"pw",
	)

	require.Equal(t, byte(0), req.BrokerID[10])
	assert.Equal(t, "1234567890", cStringOf(req.BrokerID[:]))
	assert.Equal(t, "user-with-a-lon", cStringOf(req.UserID[:]))
	assert.Equal(t, "pw", cStringOf(req.Password[:]))
	assert.Equal(t, byte(0), req.Password[2])
}

func cStringOf(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
