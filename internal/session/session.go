// Package session owns one client WebSocket each. A session runs two
// goroutines in the gorilla style: readPump parses inbound dialect frames
// and writePump drains the bounded outbox and paces pings. Snapshot delivery
// from the distributor never blocks; a full outbox sheds its oldest frame.
package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mdgate/mdgate/internal/metrics"
	"github.com/mdgate/mdgate/pkg/md"
)

const (
	// Ping every 10s, give up after 30s of silence.
	pingPeriod = 10 * time.Second
	pongWait   = 30 * time.Second
	writeWait  = 10 * time.Second

	maxMessageSize = 4096

	// Inbound command budget per client. Market data flow is outbound
	// only, so a legitimate client never comes near this.
	inboundRate  = 50
	inboundBurst = 100
)

// Broker is the subscription authority the session talks to. The
// distributor implements it.
type Broker interface {
	Unregister(id string)
	UpdateSubscription(id string, source md.Source, codes []string)
	Add(id string, source md.Source, codes []string)
	Remove(id string, source md.Source, codes []string)
}

// Config describes one session.
type Config struct {
	Source md.Source
	Broker Broker

	// Normalize maps client instrument ids to the feed's canonical form
	// so the local set matches delivered snapshot ids. Identity when nil.
	Normalize func(id string) string

	// OutboxSize bounds the send queue; 256 when zero.
	OutboxSize int
}

// Session is one connected websocket client.
type Session struct {
	id   string
	cfg  Config
	conn *websocket.Conn
	log  *logrus.Entry

	outbox  chan []byte
	done    chan struct{}
	closeFn sync.Once

	limiter *rate.Limiter

	// subs is written by readPump and read by Deliver.
	mu   sync.RWMutex
	subs map[string]struct{}
}

// New wraps an upgraded connection. Call Run to start the pumps.
func New(conn *websocket.Conn, cfg Config) *Session {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 256
	}
	id := uuid.New().String()
	return &Session{
		id:      id,
		cfg:     cfg,
		conn:    conn,
		log:     logrus.WithField("component", "session").WithField("client", id),
		outbox:  make(chan []byte, cfg.OutboxSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		subs:    make(map[string]struct{}),
	}
}

// ID returns the session's client id.
func (s *Session) ID() string { return s.id }

// Run services the connection until it closes, then unregisters from the
// broker.
func (s *Session) Run() {
	metrics.ClientConnections.Inc()
	defer metrics.ClientConnections.Dec()

	s.enqueue(encodeSystem("Connected to market data gateway. Session ID: " + s.id))

	go s.writePump()
	s.readPump()

	s.close()
	s.cfg.Broker.Unregister(s.id)
	s.log.Info("session closed")
}

// Deliver queues a snapshot for the client if it is subscribed. Never
// blocks: both dialect frames shed oldest-first under backpressure.
func (s *Session) Deliver(source md.Source, snap *md.Snapshot) {
	s.mu.RLock()
	_, ok := s.subs[snap.InstrumentID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	// Both dialects on every update, legacy first.
	if s.enqueue(encodeMarketData(snap)) {
		metrics.MessagesSent.WithLabelValues("legacy").Inc()
	}
	if s.enqueue(encodeRtnData(snap)) {
		metrics.MessagesSent.WithLabelValues("platform").Inc()
	}
}

// enqueue adds a frame to the outbox, dropping the oldest pending frame if
// it is full. Reports whether the frame was queued.
func (s *Session) enqueue(frame []byte) bool {
	for {
		select {
		case <-s.done:
			return false
		case s.outbox <- frame:
			return true
		default:
		}
		select {
		case <-s.outbox:
			metrics.FramesDropped.Inc()
		default:
		}
	}
}

func (s *Session) close() {
	s.closeFn.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	s.conn.SetPingHandler(func(appData string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("read failed")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			s.log.Warn("ignoring binary frame")
			continue
		}
		if !s.limiter.Allow() {
			s.enqueue(encodeError("Rate limit exceeded"))
			continue
		}
		s.handleText(data)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) handleText(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.enqueue(encodeError("Invalid message format: " + err.Error()))
		return
	}

	switch {
	case msg.Aid == "subscribe_quote":
		s.handleSubscribeQuote(msg.InsList)
	case msg.Aid == "peek_message":
		s.enqueue(encodeAidResponse("rsp_peek_message", s.subscriptions()))
	case msg.Aid != "":
		s.enqueue(encodeError("Unknown message type"))
	case msg.Type != "":
		s.handleLegacy(&msg)
	default:
		s.enqueue(encodeError("Unknown message type"))
	}
}

// handleSubscribeQuote implements the platform dialect's replace semantics:
// the list becomes the whole subscription set, and an empty list clears it.
func (s *Session) handleSubscribeQuote(insList *string) {
	var list string
	if insList != nil {
		list = *insList
	}
	codes := s.normalizeAll(parseInsList(list))

	s.mu.Lock()
	s.subs = make(map[string]struct{}, len(codes))
	for _, code := range codes {
		s.subs[code] = struct{}{}
	}
	s.mu.Unlock()

	s.cfg.Broker.UpdateSubscription(s.id, s.cfg.Source, codes)
	s.enqueue(encodeAidResponse("rsp_subscribe_quote", codes))
}

func (s *Session) handleLegacy(msg *inbound) {
	switch msg.Type {
	case "subscribe":
		codes, ok := s.decodeInstruments(msg)
		if !ok {
			return
		}
		s.mu.Lock()
		for _, code := range codes {
			s.subs[code] = struct{}{}
		}
		s.mu.Unlock()
		s.cfg.Broker.Add(s.id, s.cfg.Source, codes)
		s.enqueue(encodeSystem(fmt.Sprintf("Subscribed to %d instruments", len(codes))))

	case "unsubscribe":
		codes, ok := s.decodeInstruments(msg)
		if !ok {
			return
		}
		s.mu.Lock()
		for _, code := range codes {
			delete(s.subs, code)
		}
		s.mu.Unlock()
		s.cfg.Broker.Remove(s.id, s.cfg.Source, codes)
		s.enqueue(encodeSystem(fmt.Sprintf("Unsubscribed from %d instruments", len(codes))))

	case "subscriptions":
		s.enqueue(encodeSubscriptions(s.subscriptions()))

	case "ping":
		s.enqueue(encodePong())

	case "auth":
		s.enqueue(encodeSystem("Authentication not required"))

	default:
		s.enqueue(encodeError("Unknown message type"))
	}
}

// decodeInstruments parses and normalizes a legacy payload; an empty list
// is a client error, not a no-op.
func (s *Session) decodeInstruments(msg *inbound) ([]string, bool) {
	var payload instrumentsPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.enqueue(encodeError("Invalid message format: " + err.Error()))
			return nil, false
		}
	}
	if len(payload.Instruments) == 0 {
		s.enqueue(encodeError("No instruments specified"))
		return nil, false
	}
	return s.normalizeAll(payload.Instruments), true
}

func (s *Session) normalizeAll(codes []string) []string {
	if s.cfg.Normalize == nil {
		return codes
	}
	out := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		code = s.cfg.Normalize(code)
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}

func (s *Session) subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subs))
	for code := range s.subs {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Upgrader is the gateway's websocket upgrader. Origin is not checked;
// the gateway fronts trusted internal consumers.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
