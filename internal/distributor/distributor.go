// Package distributor routes snapshots from upstream adapters to client
// sessions. It is a single actor: one goroutine owns the routing tables,
// every mutation goes through the mailbox, and the two maps (client to
// instruments, instrument to clients) stay reciprocal by construction.
package distributor

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mdgate/mdgate/pkg/md"
)

// Receiver is a client session from the distributor's point of view.
// Deliver must never block; sessions drop frames instead.
type Receiver interface {
	ID() string
	Deliver(source md.Source, snap *md.Snapshot)
}

// Upstream is an adapter from the distributor's point of view. Both calls
// are asynchronous.
type Upstream interface {
	Subscribe(codes []string)
	Unsubscribe(codes []string)
	Normalize(id string) string
}

// Publisher republishes snapshots beyond websocket clients. Optional.
type Publisher interface {
	PublishSnapshot(source md.Source, snap *md.Snapshot) error
}

const mailboxSize = 8192

// Distributor is the fan-out actor.
type Distributor struct {
	log *logrus.Entry
	pub Publisher

	mailbox chan any
	done    chan struct{}

	// Owned by the run goroutine.
	clients   map[string]Receiver
	subs      map[string]map[md.Source]map[string]struct{}
	index     map[md.Source]map[string]map[string]struct{}
	lastSnap  map[md.Source]map[string]*md.Snapshot
	sourceMap map[string]md.Source
	upstreams map[md.Source]Upstream
}

type (
	cmdRegister   struct{ client Receiver }
	cmdUnregister struct{ id string }
	cmdSetSubs    struct {
		id      string
		source  md.Source
		codes   []string
		replace bool
		remove  bool
	}
	cmdRegisterUpstream struct {
		source md.Source
		up     Upstream
	}
	cmdPublish struct {
		source md.Source
		snap   *md.Snapshot
	}
	cmdAllSubs struct{ reply chan map[md.Source][]string }
	cmdSubsOf  struct {
		id    string
		reply chan map[md.Source][]string
	}
	cmdSourceOf struct {
		instrument string
		reply      chan md.Source
	}
)

// New builds a distributor. pub may be nil.
func New(pub Publisher) *Distributor {
	return &Distributor{
		log:       logrus.WithField("component", "distributor"),
		pub:       pub,
		mailbox:   make(chan any, mailboxSize),
		done:      make(chan struct{}),
		clients:   make(map[string]Receiver),
		subs:      make(map[string]map[md.Source]map[string]struct{}),
		index:     make(map[md.Source]map[string]map[string]struct{}),
		lastSnap:  make(map[md.Source]map[string]*md.Snapshot),
		sourceMap: make(map[string]md.Source),
		upstreams: make(map[md.Source]Upstream),
	}
}

// Start launches the actor goroutine.
func (d *Distributor) Start() {
	go d.run()
}

// Stop terminates the actor.
func (d *Distributor) Stop() {
	close(d.done)
}

// RegisterUpstream attaches the adapter serving a source kind.
func (d *Distributor) RegisterUpstream(source md.Source, up Upstream) {
	d.send(cmdRegisterUpstream{source: source, up: up})
}

// Register adds a client session.
func (d *Distributor) Register(client Receiver) {
	d.send(cmdRegister{client: client})
}

// Unregister removes a client and releases upstream subscriptions nobody
// else holds.
func (d *Distributor) Unregister(id string) {
	d.send(cmdUnregister{id: id})
}

// UpdateSubscription replaces a client's instrument set for one source. An
// empty set clears it.
func (d *Distributor) UpdateSubscription(id string, source md.Source, codes []string) {
	d.send(cmdSetSubs{id: id, source: source, codes: codes, replace: true})
}

// Add extends a client's instrument set for one source.
func (d *Distributor) Add(id string, source md.Source, codes []string) {
	d.send(cmdSetSubs{id: id, source: source, codes: codes})
}

// Remove shrinks a client's instrument set for one source.
func (d *Distributor) Remove(id string, source md.Source, codes []string) {
	d.send(cmdSetSubs{id: id, source: source, codes: codes, remove: true})
}

// Publish ingests one snapshot from an adapter. Never blocks the caller
// beyond the mailbox.
func (d *Distributor) Publish(source md.Source, snap *md.Snapshot) {
	d.send(cmdPublish{source: source, snap: snap})
}

// AllSubscriptions returns the union of client demand per source, sorted.
func (d *Distributor) AllSubscriptions() map[md.Source][]string {
	reply := make(chan map[md.Source][]string, 1)
	d.send(cmdAllSubs{reply: reply})
	select {
	case m := <-reply:
		return m
	case <-d.done:
		return nil
	}
}

// Subscriptions returns one client's instrument sets per source.
func (d *Distributor) Subscriptions(id string) map[md.Source][]string {
	reply := make(chan map[md.Source][]string, 1)
	d.send(cmdSubsOf{id: id, reply: reply})
	select {
	case m := <-reply:
		return m
	case <-d.done:
		return nil
	}
}

// SourceOf reports which source last produced data for an instrument, or ""
// if none has yet.
func (d *Distributor) SourceOf(instrument string) md.Source {
	reply := make(chan md.Source, 1)
	d.send(cmdSourceOf{instrument: instrument, reply: reply})
	select {
	case s := <-reply:
		return s
	case <-d.done:
		return ""
	}
}

func (d *Distributor) send(msg any) {
	select {
	case d.mailbox <- msg:
	case <-d.done:
	}
}

func (d *Distributor) run() {
	for {
		select {
		case <-d.done:
			return
		case msg := <-d.mailbox:
			d.handle(msg)
		}
	}
}

func (d *Distributor) handle(msg any) {
	switch m := msg.(type) {
	case cmdRegister:
		d.clients[m.client.ID()] = m.client
		d.subs[m.client.ID()] = make(map[md.Source]map[string]struct{})
		d.log.WithField("client", m.client.ID()).Info("client registered")
	case cmdUnregister:
		d.handleUnregister(m.id)
	case cmdSetSubs:
		d.handleSetSubs(m)
	case cmdRegisterUpstream:
		d.upstreams[m.source] = m.up
	case cmdPublish:
		d.handlePublish(m.source, m.snap)
	case cmdAllSubs:
		m.reply <- d.unionDemand()
	case cmdSubsOf:
		m.reply <- d.clientDemand(m.id)
	case cmdSourceOf:
		m.reply <- d.sourceMap[m.instrument]
	}
}

func (d *Distributor) handleUnregister(id string) {
	perSource, ok := d.subs[id]
	if !ok {
		return
	}
	// Remove the client first, then release anything it was the last
	// holder of. Order matters: the index cleanup below must not see the
	// departing client as remaining demand.
	delete(d.clients, id)
	delete(d.subs, id)

	for source, set := range perSource {
		released := make([]string, 0, len(set))
		for code := range set {
			if d.dropIndex(source, code, id) {
				released = append(released, code)
			}
		}
		d.releaseUpstream(source, released)
	}
	d.log.WithField("client", id).Info("client unregistered")
}

func (d *Distributor) handleSetSubs(m cmdSetSubs) {
	perSource, ok := d.subs[m.id]
	if !ok {
		return
	}
	up := d.upstreams[m.source]

	// Route each instrument individually: the source already producing it
	// wins over the session's endpoint source, so a resubscription lands
	// on the feed that owns the instrument's cache entry.
	routed := make(map[md.Source]map[string]struct{})
	for _, code := range m.codes {
		if up != nil {
			code = up.Normalize(code)
		}
		if code == "" {
			continue
		}
		src := d.route(code, m.source)
		set := routed[src]
		if set == nil {
			set = make(map[string]struct{})
			routed[src] = set
		}
		set[code] = struct{}{}
	}

	added := make(map[md.Source][]string)
	removed := make(map[md.Source][]string)

	switch {
	case m.remove:
		// Drop each instrument from wherever the client holds it now;
		// routing may have moved since it was subscribed.
		for _, set := range routed {
			for code := range set {
				for heldSrc, held := range perSource {
					if _, ok := held[code]; ok {
						delete(held, code)
						removed[heldSrc] = append(removed[heldSrc], code)
					}
				}
			}
		}
	case m.replace:
		for heldSrc, held := range perSource {
			for code := range held {
				if _, keep := routed[heldSrc][code]; !keep {
					delete(held, code)
					removed[heldSrc] = append(removed[heldSrc], code)
				}
			}
		}
		fallthrough
	default:
		for src, set := range routed {
			held := perSource[src]
			if held == nil {
				held = make(map[string]struct{})
				perSource[src] = held
			}
			for code := range set {
				if _, ok := held[code]; !ok {
					held[code] = struct{}{}
					added[src] = append(added[src], code)
				}
			}
		}
	}
	for src, held := range perSource {
		if len(held) == 0 {
			delete(perSource, src)
		}
	}

	for src, codes := range added {
		var fresh []string
		for _, code := range codes {
			if d.addIndex(src, code, m.id) {
				fresh = append(fresh, code)
			}
			d.replay(m.id, src, code)
		}
		if u := d.upstreams[src]; u != nil && len(fresh) > 0 {
			sort.Strings(fresh)
			u.Subscribe(fresh)
		}
	}
	for src, codes := range removed {
		var released []string
		for _, code := range codes {
			if d.dropIndex(src, code, m.id) {
				released = append(released, code)
			}
		}
		d.releaseUpstream(src, released)
	}
}

// route resolves which feed should serve an instrument: the source that has
// already produced data for it, else the session's preferred source, else
// the first source kind with an attached upstream.
func (d *Distributor) route(code string, preferred md.Source) md.Source {
	if src, ok := d.sourceMap[code]; ok {
		if _, up := d.upstreams[src]; up {
			return src
		}
	}
	if _, up := d.upstreams[preferred]; up {
		return preferred
	}
	for _, src := range md.Sources {
		if _, up := d.upstreams[src]; up {
			return src
		}
	}
	return preferred
}

// addIndex records demand; reports whether this instrument had no demand
// before.
func (d *Distributor) addIndex(source md.Source, code, id string) bool {
	byCode := d.index[source]
	if byCode == nil {
		byCode = make(map[string]map[string]struct{})
		d.index[source] = byCode
	}
	holders := byCode[code]
	first := len(holders) == 0
	if holders == nil {
		holders = make(map[string]struct{})
		byCode[code] = holders
	}
	holders[id] = struct{}{}
	return first
}

// dropIndex removes demand; reports whether nobody holds the instrument
// anymore.
func (d *Distributor) dropIndex(source md.Source, code, id string) bool {
	holders := d.index[source][code]
	if holders == nil {
		return false
	}
	delete(holders, id)
	if len(holders) == 0 {
		delete(d.index[source], code)
		return true
	}
	return false
}

func (d *Distributor) releaseUpstream(source md.Source, codes []string) {
	if len(codes) == 0 {
		return
	}
	if up := d.upstreams[source]; up != nil {
		sort.Strings(codes)
		up.Unsubscribe(codes)
	}
}

// replay sends the cached snapshot so a late subscriber sees the current
// state before the next tick.
func (d *Distributor) replay(id string, source md.Source, code string) {
	snap := d.lastSnap[source][code]
	if snap == nil {
		return
	}
	if client, ok := d.clients[id]; ok {
		client.Deliver(source, snap)
	}
}

func (d *Distributor) handlePublish(source md.Source, snap *md.Snapshot) {
	byCode := d.lastSnap[source]
	if byCode == nil {
		byCode = make(map[string]*md.Snapshot)
		d.lastSnap[source] = byCode
	}
	byCode[snap.InstrumentID] = snap

	// Permanent: a later silence from this source must not erase where the
	// instrument's data comes from.
	if _, ok := d.sourceMap[snap.InstrumentID]; !ok {
		d.sourceMap[snap.InstrumentID] = source
	}

	for id := range d.index[source][snap.InstrumentID] {
		if client, ok := d.clients[id]; ok {
			client.Deliver(source, snap)
		}
	}

	if d.pub != nil {
		if err := d.pub.PublishSnapshot(source, snap); err != nil {
			d.log.WithError(err).Debug("bus publish failed")
		}
	}
}

func (d *Distributor) unionDemand() map[md.Source][]string {
	out := make(map[md.Source][]string, len(d.index))
	for source, byCode := range d.index {
		if len(byCode) == 0 {
			continue
		}
		codes := make([]string, 0, len(byCode))
		for code := range byCode {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		out[source] = codes
	}
	return out
}

func (d *Distributor) clientDemand(id string) map[md.Source][]string {
	out := make(map[md.Source][]string)
	for source, set := range d.subs[id] {
		codes := make([]string, 0, len(set))
		for code := range set {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		out[source] = codes
	}
	return out
}
