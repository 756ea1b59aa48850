// Package binance adapts Binance 24hr ticker streams to the feed.Driver
// contract, so crypto symbols flow through the gateway the same way the
// domestic feeds do. Streams are public, so Login is acknowledged without
// talking to the exchange.
package binance

import (
	"bytes"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/sirupsen/logrus"

	"github.com/mdgate/mdgate/internal/feed"
)

// Driver implements feed.Driver on top of one websocket stream per symbol.
type Driver struct {
	log *logrus.Entry

	mu       sync.Mutex
	cb       feed.Callbacks
	released bool
	streams  map[string]chan struct{} // symbol -> stopC
}

func New() *Driver {
	return &Driver{
		log:     logrus.WithField("component", "feed.binance"),
		streams: make(map[string]chan struct{}),
	}
}

func (d *Driver) RegisterCallbacks(cb feed.Callbacks) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

// RegisterFront is a no-op: go-binance owns its endpoints.
func (d *Driver) RegisterFront(addr string) {}

func (d *Driver) Init() error {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		go cb.OnFrontConnected()
	}
	return nil
}

func (d *Driver) Login(req *feed.LoginRequest) error {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
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

func (d *Driver) SubscribeMarketData(codes []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, code := range codes {
		isLast := i == len(codes)-1
		if _, ok := d.streams[code]; ok {
			d.ack(code, nil, isLast)
			continue
		}
		stopC, err := d.openStream(code)
		if err != nil {
			d.log.WithError(err).WithField("symbol", code).Warn("stream open failed")
			d.ack(code, &feed.RspError{Code: 1, Message: err.Error()}, isLast)
			continue
		}
		d.streams[code] = stopC
		d.ack(code, nil, isLast)
	}
	return nil
}

func (d *Driver) UnsubscribeMarketData(codes []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, code := range codes {
		if stopC, ok := d.streams[code]; ok {
			close(stopC)
			delete(d.streams, code)
		}
		if cb := d.cb; cb != nil {
			go cb.OnRspUnSubMarketData(code, nil, i == len(codes)-1)
		}
	}
	return nil
}

func (d *Driver) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	for code, stopC := range d.streams {
		close(stopC)
		delete(d.streams, code)
	}
}

// ack schedules a subscribe response; caller holds d.mu.
func (d *Driver) ack(code string, rspErr *feed.RspError, isLast bool) {
	if cb := d.cb; cb != nil {
		go cb.OnRspSubMarketData(code, rspErr, isLast)
	}
}

// openStream starts one ticker stream; caller holds d.mu.
func (d *Driver) openStream(symbol string) (chan struct{}, error) {
	handler := func(event *binance.WsMarketStatEvent) {
		d.mu.Lock()
		cb := d.cb
		d.mu.Unlock()
		if cb == nil {
			return
		}
		cb.OnRtnDepthMarketData(toDepth(symbol, event))
	}
	errHandler := func(err error) {
		d.log.WithError(err).WithField("symbol", symbol).Warn("stream error")
		d.mu.Lock()
		released := d.released
		if _, ok := d.streams[symbol]; ok {
			delete(d.streams, symbol)
		}
		cb := d.cb
		d.mu.Unlock()
		if !released && cb != nil {
			go cb.OnFrontDisconnected(feed.DisconnectReadError)
		}
	}

	_, stopC, err := binance.WsMarketStatServe(symbol, handler, errHandler)
	if err != nil {
		return nil, err
	}
	return stopC, nil
}

// toDepth projects a 24hr ticker event onto the native depth layout. Binance
// has no session concept, so settlement fields carry the sentinel.
func toDepth(symbol string, ev *binance.WsMarketStatEvent) *feed.DepthMarketData {
	ts := time.UnixMilli(ev.CloseTime).UTC()
	frame := &feed.DepthMarketData{
		InstrumentID:       symbol,
		ActionDay:          ts.Format("20060102"),
		UpdateTime:         ts.Format("15:04:05"),
		UpdateMillisec:     int(ev.CloseTime % 1000),
		LastPrice:          parseF(ev.LastPrice),
		Volume:             int64(parseF(ev.BaseVolume)),
		Turnover:           parseF(ev.QuoteVolume),
		OpenPrice:          parseF(ev.OpenPrice),
		HighestPrice:       parseF(ev.HighPrice),
		LowestPrice:        parseF(ev.LowPrice),
		PreClosePrice:      parseF(ev.PrevClosePrice),
		AveragePrice:       parseF(ev.WeightedAvgPrice),
		ClosePrice:         "-",
		OpenInterest:       "-",
		PreOpenInterest:    "-",
		SettlementPrice:    "-",
		PreSettlementPrice: "-",
	}
	frame.Bids = []feed.Level{{Price: parseF(ev.BidPrice), Volume: int64(parseF(ev.BidQty))}}
	frame.Asks = []feed.Level{{Price: parseF(ev.AskPrice), Volume: int64(parseF(ev.AskQty))}}
	return frame
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
