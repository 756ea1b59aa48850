// Package adapter drives one upstream feed connection. Each adapter is a
// single goroutine owning all connection state; native callbacks and public
// methods only enqueue messages onto its mailbox, so no handler ever races
// another.
package adapter

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdgate/mdgate/internal/feed"
	"github.com/mdgate/mdgate/internal/metrics"
	"github.com/mdgate/mdgate/pkg/md"
)

// State is the connection lifecycle position of an adapter.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateLoggingIn
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateLoggingIn:
		return "logging_in"
	case StateLoggedIn:
		return "logged_in"
	default:
		return "disconnected"
	}
}

// Sink receives every successfully converted snapshot.
type Sink interface {
	Publish(source md.Source, snap *md.Snapshot)
}

// Config describes one adapter instance.
type Config struct {
	Name      string
	Source    md.Source
	FrontAddr string
	BrokerID  string
	UserID    string
	Password  string

	// Normalize maps client instrument ids to the feed's form. Required.
	Normalize Normalizer

	// NewDriver builds a fresh feed handle; called on start and again on
	// every restart.
	NewDriver func() feed.Driver

	// ReconnectInterval paces the adapter's own retry while disconnected;
	// 30s when zero.
	ReconnectInterval time.Duration

	// OnSubscriptionNack is invoked from the actor goroutine when the
	// feed rejects an instrument. The instrument stays in the desired set
	// but is not confirmed; there is no automatic retry.
	OnSubscriptionNack func(code string, err error)
}

const mailboxSize = 4096

// Adapter is the upstream feed actor.
type Adapter struct {
	cfg  Config
	log  *logrus.Entry
	sink Sink

	mailbox chan any
	done    chan struct{}

	// Owned by the run goroutine.
	driver     feed.Driver
	state      State
	desired    map[string]struct{}
	subscribed map[string]struct{}
}

// Mailbox message types. Commands come from other goroutines, events from
// the driver's callback threads.
type (
	cmdSubscribe     struct{ codes []string }
	cmdUnsubscribe   struct{ codes []string }
	cmdRestart       struct{}
	cmdSubscriptions struct{ reply chan []string }
	cmdConfirmed     struct{ reply chan []string }
	cmdState         struct{ reply chan State }

	evConnected    struct{}
	evDisconnected struct{ reason feed.DisconnectReason }
	evLogin        struct {
		login  *feed.RspUserLogin
		rspErr *feed.RspError
	}
	evSubAck struct {
		code   string
		rspErr *feed.RspError
	}
	evUnsubAck struct {
		code   string
		rspErr *feed.RspError
	}
	evDepth struct{ depth *feed.DepthMarketData }
	evError struct{ rspErr *feed.RspError }
)

// New builds an adapter. Call Start to connect.
func New(cfg Config, sink Sink) *Adapter {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 30 * time.Second
	}
	return &Adapter{
		cfg:        cfg,
		log:        logrus.WithField("component", "adapter").WithField("adapter", cfg.Name),
		sink:       sink,
		mailbox:    make(chan any, mailboxSize),
		done:       make(chan struct{}),
		state:      StateDisconnected,
		desired:    make(map[string]struct{}),
		subscribed: make(map[string]struct{}),
	}
}

// Source returns the feed kind this adapter serves.
func (a *Adapter) Source() md.Source { return a.cfg.Source }

// Name returns the configured adapter name.
func (a *Adapter) Name() string { return a.cfg.Name }

// Normalize applies the adapter's id normalization.
func (a *Adapter) Normalize(id string) string { return a.cfg.Normalize(id) }

// Start launches the actor goroutine and begins connecting.
func (a *Adapter) Start() {
	go a.run()
}

// Stop releases the driver and terminates the actor.
func (a *Adapter) Stop() {
	close(a.done)
}

// Subscribe adds normalized codes to the desired set and subscribes them
// upstream when logged in.
func (a *Adapter) Subscribe(codes []string) {
	a.send(cmdSubscribe{codes: codes})
}

// Unsubscribe removes normalized codes from the desired set.
func (a *Adapter) Unsubscribe(codes []string) {
	a.send(cmdUnsubscribe{codes: codes})
}

// Restart tears down the feed handle and reconnects from scratch. The
// desired set survives.
func (a *Adapter) Restart() {
	a.send(cmdRestart{})
}

// Subscriptions returns the sorted desired set.
func (a *Adapter) Subscriptions() []string {
	reply := make(chan []string, 1)
	a.send(cmdSubscriptions{reply: reply})
	select {
	case subs := <-reply:
		return subs
	case <-a.done:
		return nil
	}
}

// Confirmed returns the sorted set of instruments the feed has acked. An
// instrument in Subscriptions but not here was rejected upstream or is
// still awaiting its ack.
func (a *Adapter) Confirmed() []string {
	reply := make(chan []string, 1)
	a.send(cmdConfirmed{reply: reply})
	select {
	case subs := <-reply:
		return subs
	case <-a.done:
		return nil
	}
}

// State reports the current lifecycle state.
func (a *Adapter) State() State {
	reply := make(chan State, 1)
	a.send(cmdState{reply: reply})
	select {
	case s := <-reply:
		return s
	case <-a.done:
		return StateDisconnected
	}
}

func (a *Adapter) send(msg any) {
	select {
	case a.mailbox <- msg:
	case <-a.done:
	}
}

// enqueueEvent bridges a native callback thread into the mailbox without
// blocking it. A full mailbox drops the event; depth frames are the only
// high-rate message so in practice only they are at risk.
func (a *Adapter) enqueueEvent(msg any) {
	select {
	case a.mailbox <- msg:
	case <-a.done:
	default:
		a.log.Warn("mailbox full, dropping feed event")
	}
}

// feed.Callbacks implementation. These run on the driver's threads and must
// only enqueue.

func (a *Adapter) OnFrontConnected() { a.enqueueEvent(evConnected{}) }

func (a *Adapter) OnFrontDisconnected(reason feed.DisconnectReason) {
	a.enqueueEvent(evDisconnected{reason: reason})
}

func (a *Adapter) OnRspUserLogin(login *feed.RspUserLogin, rspErr *feed.RspError) {
	a.enqueueEvent(evLogin{login: login, rspErr: rspErr})
}

func (a *Adapter) OnRspSubMarketData(code string, rspErr *feed.RspError, isLast bool) {
	a.enqueueEvent(evSubAck{code: code, rspErr: rspErr})
}

func (a *Adapter) OnRspUnSubMarketData(code string, rspErr *feed.RspError, isLast bool) {
	a.enqueueEvent(evUnsubAck{code: code, rspErr: rspErr})
}

func (a *Adapter) OnRtnDepthMarketData(depth *feed.DepthMarketData) {
	a.enqueueEvent(evDepth{depth: depth})
}

func (a *Adapter) OnRspError(rspErr *feed.RspError) {
	a.enqueueEvent(evError{rspErr: rspErr})
}

func (a *Adapter) run() {
	a.connect()

	reconnect := time.NewTicker(a.cfg.ReconnectInterval)
	defer reconnect.Stop()

	for {
		select {
		case <-a.done:
			a.releaseDriver()
			return
		case msg := <-a.mailbox:
			a.handle(msg)
		case <-reconnect.C:
			// Self-heal: a dropped front is retried here, the connector's
			// slower restart tick is only the backstop.
			if a.state == StateDisconnected {
				a.log.Info("reconnecting after disconnect")
				metrics.UpstreamReconnects.WithLabelValues(a.cfg.Name).Inc()
				a.releaseDriver()
				a.connect()
			}
		}
	}
}

func (a *Adapter) handle(msg any) {
	switch m := msg.(type) {
	case cmdSubscribe:
		a.handleSubscribe(m.codes)
	case cmdUnsubscribe:
		a.handleUnsubscribe(m.codes)
	case cmdRestart:
		a.log.Info("restarting feed connection")
		metrics.UpstreamReconnects.WithLabelValues(a.cfg.Name).Inc()
		a.releaseDriver()
		a.connect()
	case cmdSubscriptions:
		subs := make([]string, 0, len(a.desired))
		for code := range a.desired {
			subs = append(subs, code)
		}
		sort.Strings(subs)
		m.reply <- subs
	case cmdConfirmed:
		subs := make([]string, 0, len(a.subscribed))
		for code := range a.subscribed {
			subs = append(subs, code)
		}
		sort.Strings(subs)
		m.reply <- subs
	case cmdState:
		m.reply <- a.state

	case evConnected:
		a.handleConnected()
	case evDisconnected:
		a.handleDisconnected(m.reason)
	case evLogin:
		a.handleLogin(m.login, m.rspErr)
	case evSubAck:
		a.handleSubAck(m.code, m.rspErr)
	case evUnsubAck:
		a.handleUnsubAck(m.code, m.rspErr)
	case evDepth:
		a.handleDepth(m.depth)
	case evError:
		a.log.WithError(m.rspErr).Warn("feed error")
	}
}

func (a *Adapter) connect() {
	a.driver = a.cfg.NewDriver()
	a.driver.RegisterCallbacks(a)
	a.driver.RegisterFront(a.cfg.FrontAddr)
	a.state = StateConnecting
	if err := a.driver.Init(); err != nil {
		a.log.WithError(err).Error("feed init failed")
		a.state = StateDisconnected
	}
}

func (a *Adapter) releaseDriver() {
	if a.driver != nil {
		a.driver.Release()
		a.driver = nil
	}
	a.state = StateDisconnected
	a.subscribed = make(map[string]struct{})
	metrics.SubscribedInstruments.WithLabelValues(a.cfg.Name).Set(0)
}

func (a *Adapter) handleConnected() {
	a.log.WithField("front", a.cfg.FrontAddr).Info("front connected, logging in")
	a.state = StateLoggingIn

	req := buildLoginRequest(a.cfg.BrokerID, a.cfg.UserID, a.cfg.Password)
	if err := a.driver.Login(req); err != nil {
		a.log.WithError(err).Error("login request failed")
		a.state = StateConnected
	}
}

func (a *Adapter) handleDisconnected(reason feed.DisconnectReason) {
	a.log.WithField("reason", reason.String()).Warn("front disconnected")
	a.state = StateDisconnected
	// Upstream forgot everything; re-login triggers one batched
	// resubscribe of the desired set.
	a.subscribed = make(map[string]struct{})
	metrics.SubscribedInstruments.WithLabelValues(a.cfg.Name).Set(0)
}

func (a *Adapter) handleLogin(login *feed.RspUserLogin, rspErr *feed.RspError) {
	if rspErr != nil {
		a.log.WithError(rspErr).Error("login rejected")
		a.state = StateConnected
		return
	}
	fields := logrus.Fields{}
	if login != nil {
		fields["trading_day"] = login.TradingDay
	}
	a.log.WithFields(fields).Info("logged in")
	a.state = StateLoggedIn

	if len(a.desired) > 0 {
		codes := make([]string, 0, len(a.desired))
		for code := range a.desired {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		a.log.WithField("count", len(codes)).Info("resubscribing desired instruments")
		if err := a.driver.SubscribeMarketData(codes); err != nil {
			a.log.WithError(err).Error("resubscribe failed")
		}
	}
}

func (a *Adapter) handleSubscribe(codes []string) {
	fresh := make([]string, 0, len(codes))
	for _, code := range codes {
		code = a.cfg.Normalize(code)
		if code == "" {
			continue
		}
		if _, ok := a.desired[code]; ok {
			continue
		}
		a.desired[code] = struct{}{}
		fresh = append(fresh, code)
	}
	if len(fresh) == 0 || a.state != StateLoggedIn {
		return
	}
	if err := a.driver.SubscribeMarketData(fresh); err != nil {
		a.log.WithError(err).Error("subscribe failed")
	}
}

func (a *Adapter) handleUnsubscribe(codes []string) {
	gone := make([]string, 0, len(codes))
	for _, code := range codes {
		code = a.cfg.Normalize(code)
		if _, ok := a.desired[code]; !ok {
			continue
		}
		delete(a.desired, code)
		gone = append(gone, code)
	}
	if len(gone) == 0 || a.state != StateLoggedIn {
		return
	}
	if err := a.driver.UnsubscribeMarketData(gone); err != nil {
		a.log.WithError(err).Error("unsubscribe failed")
	}
}

func (a *Adapter) handleSubAck(code string, rspErr *feed.RspError) {
	if rspErr != nil {
		a.log.WithError(rspErr).WithField("instrument", code).Warn("subscribe rejected")
		if a.cfg.OnSubscriptionNack != nil {
			a.cfg.OnSubscriptionNack(code, rspErr)
		}
		return
	}
	a.subscribed[code] = struct{}{}
	metrics.SubscribedInstruments.WithLabelValues(a.cfg.Name).Set(float64(len(a.subscribed)))
}

func (a *Adapter) handleUnsubAck(code string, rspErr *feed.RspError) {
	if rspErr != nil {
		a.log.WithError(rspErr).WithField("instrument", code).Warn("unsubscribe rejected")
		return
	}
	delete(a.subscribed, code)
	metrics.SubscribedInstruments.WithLabelValues(a.cfg.Name).Set(float64(len(a.subscribed)))
}

func (a *Adapter) handleDepth(depth *feed.DepthMarketData) {
	snap, err := convertDepth(depth)
	if err != nil {
		a.log.WithError(err).Warn("dropping unconvertible depth frame")
		return
	}
	metrics.SnapshotsReceived.WithLabelValues(string(a.cfg.Source)).Inc()
	if a.sink != nil {
		a.sink.Publish(a.cfg.Source, snap)
	}
}

// buildLoginRequest fills the fixed-size native buffers, truncating each
// value to the buffer length minus the trailing NUL.
func buildLoginRequest(brokerID, userID, password string) *feed.LoginRequest {
	req := &feed.LoginRequest{}
	fillCString(req.BrokerID[:], brokerID)
	fillCString(req.UserID[:], userID)
	fillCString(req.Password[:], password)
	return req
}

func fillCString(dst []byte, s string) {
	n := len(dst) - 1
	if len(s) < n {
		n = len(s)
	}
	copy(dst, s[:n])
	dst[n] = 0
}
