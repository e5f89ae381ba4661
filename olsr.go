package manet

// olsr.go is the Optimized Link State Routing protocol (RFC 3626) for nodes
// with a single interface.  HELLO messages sense links and discover 2-hop
// neighbors, from which every node selects its multipoint relays.  Nodes
// that were selected as MPR flood TC messages advertising their selectors,
// and only MPRs retransmit flooded messages.  Routes are shortest hop-count
// paths over the union of the link, 2-hop and topology information.

import (
	"fmt"
	"io"
	"net/netip"
	"text/tabwriter"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
)

// OlsrConfig holds the protocol attributes
type OlsrConfig struct {
	HelloInterval float64 `json:"hellointerval" yaml:"hellointerval"`
	TcInterval    float64 `json:"tcinterval" yaml:"tcinterval"`
	Willingness   int     `json:"willingness" yaml:"willingness"`
	DupHoldTime   float64 `json:"dupholdtime" yaml:"dupholdtime"`
}

// DefaultOlsrConfig gives the attribute defaults
func DefaultOlsrConfig() OlsrConfig {
	return OlsrConfig{HelloInterval: 2.0, TcInterval: 5.0, Willingness: int(olsrWillDefault), DupHoldTime: 30.0}
}

func (oc *OlsrConfig) paramObjName() string {
	return "Olsr"
}

func (oc *OlsrConfig) setParam(paramType string, value valueStruct) error {
	switch paramType {
	case "HelloInterval":
		oc.HelloInterval = value.floatValue
	case "TcInterval":
		oc.TcInterval = value.floatValue
	case "Willingness":
		oc.Willingness = value.intValue
	case "DupHoldTime":
		oc.DupHoldTime = value.floatValue
	default:
		return fmt.Errorf("unknown Olsr parameter %s", paramType)
	}
	return nil
}

func (oc *OlsrConfig) validate() error {
	if !(oc.HelloInterval > 0) || !(oc.TcInterval > 0) {
		return fmt.Errorf("olsr HelloInterval and TcInterval must be positive")
	}
	if oc.Willingness < int(olsrWillNever) || oc.Willingness > int(olsrWillAlways) {
		return fmt.Errorf("olsr Willingness %d outside [0,7]", oc.Willingness)
	}
	return nil
}

// olsrRoute is a routing table entry
type olsrRoute struct {
	dest     netip.Addr
	nextHop  netip.Addr
	distance int
}

// OlsrProtocol is the OLSR instance of one node
type OlsrProtocol struct {
	cfg   OlsrConfig
	host  RoutingHost
	state *olsrState

	routes map[netip.Addr]*olsrRoute

	pktSeq uint16
	msgSeq uint16
	ansn   uint16

	// TCs continue for TOP_HOLD after the selector set empties
	selectorsUntil float64

	outQueue    []*olsrMessage
	sendPending bool

	stats RoutingStats
}

// CreateOlsrProtocol is a constructor
func CreateOlsrProtocol(host RoutingHost, cfg OlsrConfig) *OlsrProtocol {
	op := new(OlsrProtocol)
	op.cfg = cfg
	op.host = host
	op.state = createOlsrState()
	op.routes = make(map[netip.Addr]*olsrRoute)
	op.outQueue = make([]*olsrMessage, 0)
	op.selectorsUntil = -1.0
	return op
}

// Name labels table dumps
func (op *OlsrProtocol) Name() string {
	return "OLSR"
}

func (op *OlsrProtocol) neighbHold() float64 {
	return 3.0 * op.cfg.HelloInterval
}

func (op *OlsrProtocol) topHold() float64 {
	return 3.0 * op.cfg.TcInterval
}

func (op *OlsrProtocol) maxJitter() float64 {
	return op.cfg.HelloInterval / 4.0
}

// Start sends the first HELLO and arms the HELLO and TC timers
func (op *OlsrProtocol) Start(evtMgr *evtm.EventManager) {
	evtMgr.Schedule(op, nil, olsrHelloTimer, vrtime.SecondsToTime(0.0))
	evtMgr.Schedule(op, nil, olsrTcTimer, vrtime.SecondsToTime(0.0))
}

func olsrHelloTimer(evtMgr *evtm.EventManager, context any, data any) any {
	op := context.(*OlsrProtocol)
	op.housekeeping(evtMgr)
	op.sendHello(evtMgr)
	evtMgr.Schedule(op, nil, olsrHelloTimer, vrtime.SecondsToTime(op.cfg.HelloInterval))
	return nil
}

func olsrTcTimer(evtMgr *evtm.EventManager, context any, data any) any {
	op := context.(*OlsrProtocol)
	now := evtMgr.CurrentSeconds()
	if len(op.state.mprSelectors) > 0 || now < op.selectorsUntil {
		op.sendTc(evtMgr)
	}
	evtMgr.Schedule(op, nil, olsrTcTimer, vrtime.SecondsToTime(op.cfg.TcInterval))
	return nil
}

// housekeeping expires tuples and recomputes what depends on them
func (op *OlsrProtocol) housekeeping(evtMgr *evtm.EventManager) {
	now := evtMgr.CurrentSeconds()
	changed, selectorsChanged := op.state.expire(now)
	if selectorsChanged {
		op.selectorsChanged(now)
	}
	if changed {
		op.state.mprSet = op.state.selectMprs(op.host.Address())
		op.computeRoutes()
	}
}

func (op *OlsrProtocol) selectorsChanged(now float64) {
	op.ansn += 1
	if len(op.state.mprSelectors) == 0 {
		op.selectorsUntil = now + op.topHold()
	}
}

func (op *OlsrProtocol) nextMsgSeq() uint16 {
	op.msgSeq += 1
	return op.msgSeq
}

// sendHello advertises every link with its link and neighbor type
func (op *OlsrProtocol) sendHello(evtMgr *evtm.EventManager) {
	now := evtMgr.CurrentSeconds()
	groups := make(map[uint8][]netip.Addr)
	nbrs := make([]netip.Addr, 0, len(op.state.links))
	for addr := range op.state.links {
		nbrs = append(nbrs, addr)
	}
	for _, addr := range sortedAddrs(nbrs) {
		lt := op.state.links[addr]
		if lt.expires < now {
			continue
		}
		linkType := olsrLostLink
		neighType := olsrNotNeigh
		if lt.symTime >= now {
			linkType = olsrSymLink
			neighType = olsrSymNeigh
			if op.state.mprSet[addr] {
				neighType = olsrMprNeigh
			}
		} else if lt.asymTime >= now {
			linkType = olsrAsymLink
		}
		code := olsrLinkCode(linkType, neighType)
		groups[code] = append(groups[code], addr)
	}
	codes := make([]uint8, 0, len(groups))
	for code := range groups {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	hello := &olsrHello{htime: op.cfg.HelloInterval, willingness: uint8(op.cfg.Willingness), links: make([]olsrLinkMsg, 0)}
	for _, code := range codes {
		hello.links = append(hello.links, olsrLinkMsg{code: code, addrs: groups[code]})
	}
	msg := &olsrMessage{msgType: olsrHelloMsg, vtime: op.neighbHold(), originator: op.host.Address(),
		ttl: 1, hopCount: 0, seq: op.nextMsgSeq(), hello: hello}
	op.queueMessage(evtMgr, msg)
}

// sendTc advertises the MPR selector set
func (op *OlsrProtocol) sendTc(evtMgr *evtm.EventManager) {
	addrs := make([]netip.Addr, 0, len(op.state.mprSelectors))
	for addr := range op.state.mprSelectors {
		addrs = append(addrs, addr)
	}
	tc := &olsrTc{ansn: op.ansn, addrs: sortedAddrs(addrs)}
	msg := &olsrMessage{msgType: olsrTcMsg, vtime: op.topHold(), originator: op.host.Address(),
		ttl: 255, hopCount: 0, seq: op.nextMsgSeq(), tc: tc}
	op.queueMessage(evtMgr, msg)
}

// queueMessage adds a message to the next outgoing packet, which leaves
// after a random jitter
func (op *OlsrProtocol) queueMessage(evtMgr *evtm.EventManager, msg *olsrMessage) {
	op.outQueue = append(op.outQueue, msg)
	if op.sendPending {
		return
	}
	op.sendPending = true
	evtMgr.Schedule(op, nil, olsrSendQueued, vrtime.SecondsToTime(hostJitter(op.host, op.maxJitter())))
}

func olsrSendQueued(evtMgr *evtm.EventManager, context any, data any) any {
	op := context.(*OlsrProtocol)
	op.sendPending = false
	if len(op.outQueue) == 0 {
		return nil
	}
	op.pktSeq += 1
	pkt := &olsrPacket{seq: op.pktSeq, msgs: op.outQueue}
	op.outQueue = make([]*olsrMessage, 0)
	op.stats.CtrlPckts += 1
	op.stats.CtrlBytes += pkt.length()
	op.host.SendControl(evtMgr, olsrPort, pkt)
	return nil
}

// Receive processes an OLSR packet from a neighbor
func (op *OlsrProtocol) Receive(evtMgr *evtm.EventManager, pkt *ipPacket) {
	self := op.host.Address()
	sender := pkt.src
	if sender == self {
		return
	}
	opkt, ok := pkt.udp.payload.(*olsrPacket)
	if !ok {
		var err error
		opkt, err = unmarshalOlsrPacket(pkt.udp.payload.marshal())
		if err != nil {
			op.host.Logger().Warn("bad olsr packet", "proto", "olsr", "err", err)
			return
		}
	}
	op.stats.RcvdPckts += 1

	now := evtMgr.CurrentSeconds()
	op.housekeeping(evtMgr)
	for _, msg := range opkt.msgs {
		if msg.ttl == 0 || msg.originator == self {
			continue
		}
		if msg.msgType == olsrHelloMsg {
			op.processHello(now, msg, sender)
			continue
		}
		key := olsrDupKey{originator: msg.originator, seq: msg.seq}
		dup := op.state.dups[key]
		if dup == nil && msg.msgType == olsrTcMsg {
			op.processTc(now, msg, sender)
		}
		op.forwardDefault(evtMgr, now, msg, sender, dup)
	}
}

// processHello does link sensing, neighbor and 2-hop neighbor detection and
// MPR selector bookkeeping, RFC 3626 7.1.1, 8.1.1, 8.2.1 and 8.4.1
func (op *OlsrProtocol) processHello(now float64, msg *olsrMessage, sender netip.Addr) {
	self := op.host.Address()
	st := op.state
	vtime := msg.vtime
	changed := false

	lt, present := st.links[sender]
	if !present {
		lt = &olsrLinkTuple{localAddr: self, neighborAddr: sender, symTime: now - 1, expires: now + vtime}
		st.links[sender] = lt
		changed = true
	}
	lt.asymTime = now + vtime
	wasSym := lt.symmetric(now)
	for _, lm := range msg.hello.links {
		if !slices.Contains(lm.addrs, self) {
			continue
		}
		switch olsrLinkType(lm.code) {
		case olsrLostLink:
			lt.symTime = now - 1
			lt.expires = now + vtime
		case olsrSymLink, olsrAsymLink:
			lt.symTime = now + vtime
			lt.expires = lt.symTime + op.neighbHold()
		}
	}
	if lt.asymTime > lt.expires {
		lt.expires = lt.asymTime
	}
	if wasSym != lt.symmetric(now) {
		changed = true
	}

	if st.updateNeighbor(sender, now) {
		changed = true
	}
	if nt := st.neighbors[sender]; nt != nil && nt.willingness != msg.hello.willingness {
		nt.willingness = msg.hello.willingness
		changed = true
	}

	if st.isSymNeighbor(sender) {
		for _, lm := range msg.hello.links {
			nt := olsrNeighType(lm.code)
			for _, addr := range lm.addrs {
				switch nt {
				case olsrSymNeigh, olsrMprNeigh:
					if addr == self {
						continue
					}
					if th := st.findTwoHop(sender, addr); th != nil {
						th.expires = now + vtime
					} else {
						st.twoHops = append(st.twoHops, &olsrTwoHopTuple{neighbor: sender, twoHop: addr, expires: now + vtime})
						changed = true
					}
				case olsrNotNeigh:
					if st.removeTwoHop(sender, addr) {
						changed = true
					}
				}
			}
		}
	} else if st.removeTwoHopsVia(sender) {
		changed = true
	}

	selected := false
	for _, lm := range msg.hello.links {
		if olsrNeighType(lm.code) == olsrMprNeigh && slices.Contains(lm.addrs, self) {
			selected = true
		}
	}
	if selected && st.isSymNeighbor(sender) {
		if ms, present := st.mprSelectors[sender]; present {
			ms.expires = now + vtime
		} else {
			st.mprSelectors[sender] = &olsrMprSelectorTuple{addr: sender, expires: now + vtime}
			op.selectorsChanged(now)
		}
	} else if _, present := st.mprSelectors[sender]; present {
		delete(st.mprSelectors, sender)
		op.selectorsChanged(now)
	}

	if changed {
		st.mprSet = st.selectMprs(self)
		op.computeRoutes()
	}
}

// processTc updates the topology set, RFC 3626 9.5
func (op *OlsrProtocol) processTc(now float64, msg *olsrMessage, sender netip.Addr) {
	st := op.state
	if !st.isSymNeighbor(sender) {
		return
	}
	orig := msg.originator
	ansn := msg.tc.ansn
	for _, tt := range st.topology {
		if tt.last == orig && seqNewer(tt.seq, ansn) {
			return
		}
	}
	n := len(st.topology)
	st.topology = slices.DeleteFunc(st.topology, func(tt *olsrTopologyTuple) bool {
		return tt.last == orig && seqNewer(ansn, tt.seq)
	})
	changed := len(st.topology) != n
	for _, addr := range msg.tc.addrs {
		if tt := st.findTopology(addr, orig); tt != nil {
			tt.expires = now + msg.vtime
			continue
		}
		st.topology = append(st.topology, &olsrTopologyTuple{dest: addr, last: orig, seq: ansn, expires: now + msg.vtime})
		changed = true
	}
	if changed {
		op.computeRoutes()
	}
}

// forwardDefault is the default forwarding algorithm, RFC 3626 3.4.1.  Only
// the MPRs of the neighbor the message came from retransmit it
func (op *OlsrProtocol) forwardDefault(evtMgr *evtm.EventManager, now float64, msg *olsrMessage, sender netip.Addr, dup *olsrDupTuple) {
	st := op.state
	if !st.isSymNeighbor(sender) {
		return
	}
	if dup != nil && dup.retransmitted {
		return
	}
	_, selector := st.mprSelectors[sender]
	retransmit := selector && msg.ttl > 1

	key := olsrDupKey{originator: msg.originator, seq: msg.seq}
	if dup == nil {
		st.dups[key] = &olsrDupTuple{retransmitted: retransmit, expires: now + op.cfg.DupHoldTime}
	} else {
		dup.expires = now + op.cfg.DupHoldTime
		dup.retransmitted = retransmit
	}
	if !retransmit {
		return
	}
	fwd := *msg
	fwd.ttl -= 1
	fwd.hopCount += 1
	op.queueMessage(evtMgr, &fwd)
}

// computeRoutes rebuilds the routing table from the link, 2-hop and topology sets
func (op *OlsrProtocol) computeRoutes() {
	self := op.host.Address()
	selfID := int64(addrToUint32(self))
	st := op.state

	edges := make(map[int64][]int64)
	addEdge := func(a, b netip.Addr) {
		ida, idb := int64(addrToUint32(a)), int64(addrToUint32(b))
		edges[ida] = append(edges[ida], idb)
	}
	edges[selfID] = make([]int64, 0)
	for _, nbr := range st.symNeighbors() {
		addEdge(self, nbr)
	}
	for _, th := range st.twoHops {
		if th.twoHop == self || !st.isSymNeighbor(th.neighbor) {
			continue
		}
		addEdge(th.neighbor, th.twoHop)
	}
	for _, tt := range st.topology {
		if tt.dest == self || tt.last == self {
			continue
		}
		addEdge(tt.last, tt.dest)
	}

	routes := make(map[netip.Addr]*olsrRoute)
	for id, hr := range routesFrom(selfID, edges) {
		dest := uint32ToAddr(uint32(id))
		routes[dest] = &olsrRoute{dest: dest, nextHop: uint32ToAddr(uint32(hr.nextHop)), distance: hr.hops}
	}
	op.routes = routes
}

// RouteOutput routes a locally originated packet
func (op *OlsrProtocol) RouteOutput(evtMgr *evtm.EventManager, pkt *ipPacket) RouteDecision {
	if rt, present := op.routes[pkt.dst]; present {
		return RouteDecision{Status: Routed, NextHop: rt.nextHop}
	}
	return RouteDecision{Status: NoRoute}
}

// RouteInput routes a packet being forwarded
func (op *OlsrProtocol) RouteInput(evtMgr *evtm.EventManager, pkt *ipPacket) RouteDecision {
	return op.RouteOutput(evtMgr, pkt)
}

// Stats reports control overhead and the number of routes
func (op *OlsrProtocol) Stats() RoutingStats {
	st := op.stats
	st.Routes = len(op.routes)
	return st
}

// PrintRoutingTable writes the header and the table
func (op *OlsrProtocol) PrintRoutingTable(w io.Writer, now float64) {
	fmt.Fprintln(w, routingTableHeader(op.host.NodeID(), now, "OLSR"))
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "Destination\tNextHop\tInterface\tDistance\t")
	dests := make([]netip.Addr, 0, len(op.routes))
	for dest := range op.routes {
		dests = append(dests, dest)
	}
	for _, dest := range sortedAddrs(dests) {
		rt := op.routes[dest]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t\n", rt.dest, rt.nextHop, op.host.IntrfcName(), rt.distance)
	}
	tw.Flush()
	fmt.Fprintln(w)
}
