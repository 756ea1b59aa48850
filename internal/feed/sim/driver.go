// Package sim is an in-process feed driver that behaves like a well-behaved
// native front: connect, accept one login, ack subscriptions, and publish
// synthetic ticks for everything subscribed. It backs local development and
// the adapter tests.
package sim

import (
	"bytes"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdgate/mdgate/internal/feed"
)

// Driver implements feed.Driver with synthetic data.
type Driver struct {
	log *logrus.Entry

	mu        sync.Mutex
	cb        feed.Callbacks
	front     string
	loggedIn  bool
	subs      map[string]*instrumentState
	interval  time.Duration
	closeOnce sync.Once
	done      chan struct{}
}

type instrumentState struct {
	last     float64
	preClose float64
	volume   int64
	turnover float64
}

// Option configures a simulator Driver.
type Option func(*Driver)

// WithTickInterval overrides the default 500ms tick cadence.
func WithTickInterval(d time.Duration) Option {
	return func(s *Driver) { s.interval = d }
}

// New builds a simulator driver. Init must be called before any ticks flow.
func New(opts ...Option) *Driver {
	s := &Driver{
		log:      logrus.WithField("component", "feed.sim"),
		subs:     make(map[string]*instrumentState),
		interval: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Driver) RegisterCallbacks(cb feed.Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *Driver) RegisterFront(addr string) {
	s.mu.Lock()
	s.front = addr
	s.mu.Unlock()
}

// Init "connects" immediately and starts the tick loop.
func (s *Driver) Init() error {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()

	s.log.WithField("interval", s.interval).Info("simulator feed started")
	go s.tickLoop()
	if cb != nil {
		go cb.OnFrontConnected()
	}
	return nil
}

func (s *Driver) Login(req *feed.LoginRequest) error {
	s.mu.Lock()
	s.loggedIn = true
	cb := s.cb
	s.mu.Unlock()

	if cb != nil {
		go cb.OnRspUserLogin(&feed.RspUserLogin{
			TradingDay: time.Now().UTC().Format("20060102"),
			LoginTime:  time.Now().UTC().Format("15:04:05"),
			BrokerID:   cString(req.BrokerID[:]),
			UserID:     cString(req.UserID[:]),
		}, nil)
	}
	return nil
}

func (s *Driver) SubscribeMarketData(codes []string) error {
	s.mu.Lock()
	for _, code := range codes {
		if _, ok := s.subs[code]; !ok {
			base := 100 + rand.Float64()*300
			s.subs[code] = &instrumentState{last: base, preClose: base}
		}
	}
	cb := s.cb
	s.mu.Unlock()

	if cb != nil {
		go func() {
			for i, code := range codes {
				cb.OnRspSubMarketData(code, nil, i == len(codes)-1)
			}
		}()
	}
	return nil
}

func (s *Driver) UnsubscribeMarketData(codes []string) error {
	s.mu.Lock()
	for _, code := range codes {
		delete(s.subs, code)
	}
	cb := s.cb
	s.mu.Unlock()

	if cb != nil {
		go func() {
			for i, code := range codes {
				cb.OnRspUnSubMarketData(code, nil, i == len(codes)-1)
			}
		}()
	}
	return nil
}

func (s *Driver) Release() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Driver) tickLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.publishTicks()
		}
	}
}

func (s *Driver) publishTicks() {
	s.mu.Lock()
	if s.cb == nil || !s.loggedIn {
		s.mu.Unlock()
		return
	}
	cb := s.cb
	frames := make([]*feed.DepthMarketData, 0, len(s.subs))
	for code, st := range s.subs {
		frames = append(frames, s.nextFrame(code, st))
	}
	s.mu.Unlock()

	for _, f := range frames {
		cb.OnRtnDepthMarketData(f)
	}
}

func (s *Driver) nextFrame(code string, st *instrumentState) *feed.DepthMarketData {
	// Bounded random walk around the previous close.
	drift := st.last * (rand.Float64() - 0.5) * 0.002
	st.last = math.Max(0.01, st.last+drift)
	qty := int64(1 + rand.Intn(50))
	st.volume += qty
	st.turnover += st.last * float64(qty)

	now := time.Now().UTC()
	tick := 0.01
	frame := &feed.DepthMarketData{
		InstrumentID:       code,
		ActionDay:          now.Format("20060102"),
		UpdateTime:         now.Format("15:04:05"),
		UpdateMillisec:     now.Nanosecond() / int(time.Millisecond),
		LastPrice:          round2(st.last),
		Volume:             st.volume,
		Turnover:           round2(st.turnover),
		OpenPrice:          round2(st.preClose),
		HighestPrice:       round2(st.last * 1.01),
		LowestPrice:        round2(st.last * 0.99),
		PreClosePrice:      round2(st.preClose),
		UpperLimitPrice:    round2(st.preClose * 1.10),
		LowerLimitPrice:    round2(st.preClose * 0.90),
		AveragePrice:       round2(st.last),
		ClosePrice:         "-",
		OpenInterest:       "0",
		PreOpenInterest:    "0",
		SettlementPrice:    "-",
		PreSettlementPrice: "-",
	}
	for i := 0; i < 5; i++ {
		frame.Bids = append(frame.Bids, feed.Level{
			Price:  round2(st.last - tick*float64(i+1)),
			Volume: int64(1 + rand.Intn(100)),
		})
		frame.Asks = append(frame.Asks, feed.Level{
			Price:  round2(st.last + tick*float64(i+1)),
			Volume: int64(1 + rand.Intn(100)),
		})
	}
	return frame
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
