package manet

// dsdv.go is the Destination-Sequenced Distance-Vector protocol.  Every node
// advertises its whole table periodically and the changed entries right
// after they change.  Freshness is decided by destination sequence
// numbers, even when the destination announced them itself and odd when a
// neighbor declared the route broken.  Routes that got worse with a newer
// sequence number are used at once but advertised only after a weighted
// settling time, which damps fluctuations.

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/netip"
	"text/tabwriter"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
)

// DsdvConfig holds the protocol attributes
type DsdvConfig struct {
	PeriodicUpdateInterval float64 `json:"periodicupdateinterval" yaml:"periodicupdateinterval"`
	SettlingTime           float64 `json:"settlingtime" yaml:"settlingtime"`
	MaxQueueLen            int     `json:"maxqueuelen" yaml:"maxqueuelen"`
	MaxQueuedPacketsPerDst int     `json:"maxqueuedpacketsperdst" yaml:"maxqueuedpacketsperdst"`
	MaxQueueTime           float64 `json:"maxqueuetime" yaml:"maxqueuetime"`
	EnableBuffering        bool    `json:"enablebuffering" yaml:"enablebuffering"`
	EnableWST              bool    `json:"enablewst" yaml:"enablewst"`
	Holdtimes              int     `json:"holdtimes" yaml:"holdtimes"`
	WeightedFactor         float64 `json:"weightedfactor" yaml:"weightedfactor"`
	EnableRouteAggregation bool    `json:"enablerouteaggregation" yaml:"enablerouteaggregation"`
	RouteAggregationTime   float64 `json:"routeaggregationtime" yaml:"routeaggregationtime"`
}

// DefaultDsdvConfig gives the attribute defaults
func DefaultDsdvConfig() DsdvConfig {
	return DsdvConfig{
		PeriodicUpdateInterval: 15.0,
		SettlingTime:           5.0,
		MaxQueueLen:            500,
		MaxQueuedPacketsPerDst: 5,
		MaxQueueTime:           30.0,
		EnableBuffering:        true,
		EnableWST:              true,
		Holdtimes:              3,
		WeightedFactor:         0.875,
		EnableRouteAggregation: false,
		RouteAggregationTime:   1.0,
	}
}

func (dc *DsdvConfig) paramObjName() string {
	return "Dsdv"
}

func (dc *DsdvConfig) setParam(paramType string, value valueStruct) error {
	switch paramType {
	case "PeriodicUpdateInterval":
		dc.PeriodicUpdateInterval = value.floatValue
	case "SettlingTime":
		dc.SettlingTime = value.floatValue
	case "MaxQueueLen":
		dc.MaxQueueLen = value.intValue
	case "MaxQueuedPacketsPerDst":
		dc.MaxQueuedPacketsPerDst = value.intValue
	case "MaxQueueTime":
		dc.MaxQueueTime = value.floatValue
	case "EnableBuffering":
		dc.EnableBuffering = value.boolValue
	case "EnableWST":
		dc.EnableWST = value.boolValue
	case "Holdtimes":
		dc.Holdtimes = value.intValue
	case "WeightedFactor":
		dc.WeightedFactor = value.floatValue
	case "EnableRouteAggregation":
		dc.EnableRouteAggregation = value.boolValue
	case "RouteAggregationTime":
		dc.RouteAggregationTime = value.floatValue
	default:
		return fmt.Errorf("unknown Dsdv parameter %s", paramType)
	}
	return nil
}

func (dc *DsdvConfig) validate() error {
	if !(dc.PeriodicUpdateInterval > 0) || dc.Holdtimes < 1 {
		return fmt.Errorf("dsdv PeriodicUpdateInterval and Holdtimes must be positive")
	}
	if dc.WeightedFactor < 0 || dc.WeightedFactor > 1 {
		return fmt.Errorf("dsdv WeightedFactor %v outside [0,1]", dc.WeightedFactor)
	}
	return nil
}

// dsdvInfinity is the hop count of a broken route
const dsdvInfinity uint32 = math.MaxUint32

// the first periodic update goes out within this time
const dsdvStartJitter = 1e-3

// jitter added to every periodic and triggered update
const dsdvUpdateJitter = 25e-3

// dsdvEntry is one advertised route, 12 bytes on the wire
type dsdvEntry struct {
	dst  netip.Addr
	hops uint32
	seq  uint32
}

// dsdvUpdate is the payload of a DSDV packet
type dsdvUpdate struct {
	entries []dsdvEntry
}

func (du *dsdvUpdate) length() int {
	return 12 * len(du.entries)
}

func (du *dsdvUpdate) marshal() []byte {
	b := make([]byte, 12*len(du.entries))
	for idx, e := range du.entries {
		putAddr(b[12*idx:], e.dst)
		binary.BigEndian.PutUint32(b[12*idx+4:], e.hops)
		binary.BigEndian.PutUint32(b[12*idx+8:], e.seq)
	}
	return b
}

func unmarshalDsdvUpdate(b []byte) (*dsdvUpdate, error) {
	if len(b)%12 != 0 {
		return nil, fmt.Errorf("dsdv update of %d bytes is not a whole number of entries", len(b))
	}
	du := &dsdvUpdate{entries: make([]dsdvEntry, len(b)/12)}
	for idx := range du.entries {
		du.entries[idx].dst = uint32ToAddr(binary.BigEndian.Uint32(b[12*idx:]))
		du.entries[idx].hops = binary.BigEndian.Uint32(b[12*idx+4:])
		du.entries[idx].seq = binary.BigEndian.Uint32(b[12*idx+8:])
	}
	return du, nil
}

// dsdvRoute is a routing table entry
type dsdvRoute struct {
	dst          netip.Addr
	nextHop      netip.Addr
	hops         uint32
	seq          uint32
	installTime  float64 // when the entry was last updated, lifetime is measured from here
	settlingTime float64
	changed      bool    // to go into the next triggered update
	advertiseAt  float64 // a held-back change is not advertised before this
	brokenAt     float64
}

func (rt *dsdvRoute) valid() bool {
	return rt.hops != dsdvInfinity
}

// dsdvQueued is a packet waiting for a route
type dsdvQueued struct {
	pkt      *ipPacket
	queuedAt float64
}

// DsdvProtocol is the DSDV instance of one node
type DsdvProtocol struct {
	cfg  DsdvConfig
	host RoutingHost

	seq    uint32
	routes map[netip.Addr]*dsdvRoute

	queue []dsdvQueued

	periodicToken  int
	triggerPending bool
	stats          RoutingStats
}

// CreateDsdvProtocol is a constructor
func CreateDsdvProtocol(host RoutingHost, cfg DsdvConfig) *DsdvProtocol {
	dp := new(DsdvProtocol)
	dp.cfg = cfg
	dp.host = host
	dp.routes = make(map[netip.Addr]*dsdvRoute)
	dp.queue = make([]dsdvQueued, 0)
	return dp
}

// Name labels table dumps
func (dp *DsdvProtocol) Name() string {
	return "DSDV"
}

// holdTime is how long a neighbor may stay silent, and how long a broken route is kept
func (dp *DsdvProtocol) holdTime() float64 {
	return float64(dp.cfg.Holdtimes) * dp.cfg.PeriodicUpdateInterval
}

// Start installs the self route and schedules the first periodic update
func (dp *DsdvProtocol) Start(evtMgr *evtm.EventManager) {
	now := evtMgr.CurrentSeconds()
	self := dp.host.Address()
	dp.routes[self] = &dsdvRoute{dst: self, nextHop: self, hops: 0, seq: dp.seq, installTime: now,
		settlingTime: 0}
	dp.periodicToken += 1
	evtMgr.Schedule(dp, dp.periodicToken, dsdvPeriodicUpdate, vrtime.SecondsToTime(hostJitter(dp.host, dsdvStartJitter)))
}

// sortedRoutes lists the table in address order
func (dp *DsdvProtocol) sortedRoutes() []*dsdvRoute {
	rts := make([]*dsdvRoute, 0, len(dp.routes))
	for _, rt := range dp.routes {
		rts = append(rts, rt)
	}
	slices.SortFunc(rts, func(a, b *dsdvRoute) int { return a.dst.Compare(b.dst) })
	return rts
}

func dsdvPeriodicUpdate(evtMgr *evtm.EventManager, context any, data any) any {
	dp := context.(*DsdvProtocol)
	if data.(int) != dp.periodicToken {
		return nil
	}
	dp.sendPeriodicUpdate(evtMgr)
	dp.periodicToken += 1
	next := dp.cfg.PeriodicUpdateInterval + hostJitter(dp.host, dsdvUpdateJitter)
	evtMgr.Schedule(dp, dp.periodicToken, dsdvPeriodicUpdate, vrtime.SecondsToTime(next))
	return nil
}

// sendPeriodicUpdate purges stale routes and advertises the whole table
func (dp *DsdvProtocol) sendPeriodicUpdate(evtMgr *evtm.EventManager) {
	now := evtMgr.CurrentSeconds()
	dp.purge(evtMgr, now)
	dp.purgeQueue(evtMgr, now)

	self := dp.host.Address()
	dp.seq += 2
	selfRt := dp.routes[self]
	selfRt.seq = dp.seq
	selfRt.installTime = now

	du := &dsdvUpdate{entries: make([]dsdvEntry, 0, len(dp.routes))}
	for _, rt := range dp.sortedRoutes() {
		du.entries = append(du.entries, dsdvEntry{dst: rt.dst, hops: rt.hops, seq: rt.seq})
		if now >= rt.advertiseAt {
			rt.changed = false
		}
	}
	dp.transmit(evtMgr, du)
}

// purge breaks routes through neighbors that went silent and removes
// broken routes that have been kept long enough
func (dp *DsdvProtocol) purge(evtMgr *evtm.EventManager, now float64) {
	hold := dp.holdTime()
	self := dp.host.Address()
	lost := make([]netip.Addr, 0)
	for _, rt := range dp.sortedRoutes() {
		if rt.dst == self {
			continue
		}
		if !rt.valid() {
			if now-rt.brokenAt > hold {
				delete(dp.routes, rt.dst)
			}
			continue
		}
		if rt.hops == 1 && now-rt.installTime > hold {
			lost = append(lost, rt.dst)
		}
	}
	for _, nbr := range lost {
		dp.host.Logger().Debug("dsdv neighbor lost", "proto", "dsdv", "nbr", nbr.String(), "t", now)
		dp.breakRoutesVia(now, nbr)
	}
	if len(lost) > 0 {
		dp.scheduleTriggered(evtMgr)
	}
}

// breakRoutesVia invalidates every route whose next hop is 'nbr'
func (dp *DsdvProtocol) breakRoutesVia(now float64, nbr netip.Addr) {
	for _, rt := range dp.routes {
		if rt.valid() && rt.nextHop == nbr && rt.dst != dp.host.Address() {
			rt.hops = dsdvInfinity
			rt.seq += 1
			rt.brokenAt = now
			rt.installTime = now
			rt.changed = true
			rt.advertiseAt = now
		}
	}
}

func (dp *DsdvProtocol) transmit(evtMgr *evtm.EventManager, du *dsdvUpdate) {
	if len(du.entries) == 0 {
		return
	}
	dp.stats.CtrlPckts += 1
	dp.stats.CtrlBytes += du.length()
	dp.host.SendControl(evtMgr, dsdvPort, du)
}

// scheduleTriggered arranges for a triggered update, at most one pending at a time
func (dp *DsdvProtocol) scheduleTriggered(evtMgr *evtm.EventManager) {
	if dp.triggerPending {
		return
	}
	dp.triggerPending = true
	delay := hostJitter(dp.host, dsdvUpdateJitter)
	if dp.cfg.EnableRouteAggregation {
		delay = dp.cfg.RouteAggregationTime
	}
	evtMgr.Schedule(dp, nil, dsdvTriggeredUpdate, vrtime.SecondsToTime(delay))
}

func dsdvTriggeredUpdate(evtMgr *evtm.EventManager, context any, data any) any {
	dp := context.(*DsdvProtocol)
	dp.triggerPending = false
	dp.sendTriggeredUpdate(evtMgr)
	return nil
}

// sendTriggeredUpdate advertises the entries changed since the last
// update, together with the self entry
func (dp *DsdvProtocol) sendTriggeredUpdate(evtMgr *evtm.EventManager) {
	now := evtMgr.CurrentSeconds()
	self := dp.host.Address()
	du := &dsdvUpdate{entries: make([]dsdvEntry, 0)}
	held := math.Inf(1)
	for _, rt := range dp.sortedRoutes() {
		if rt.dst == self {
			du.entries = append(du.entries, dsdvEntry{dst: rt.dst, hops: 0, seq: rt.seq})
			continue
		}
		if !rt.changed {
			continue
		}
		if now < rt.advertiseAt {
			held = math.Min(held, rt.advertiseAt)
			continue
		}
		du.entries = append(du.entries, dsdvEntry{dst: rt.dst, hops: rt.hops, seq: rt.seq})
		rt.changed = false
	}
	if len(du.entries) > 1 {
		dp.transmit(evtMgr, du)
	}
	if !math.IsInf(held, 1) {
		evtMgr.Schedule(dp, nil, dsdvHeldRelease, vrtime.SecondsToTime(held-now))
	}
}

func dsdvHeldRelease(evtMgr *evtm.EventManager, context any, data any) any {
	dp := context.(*DsdvProtocol)
	dp.scheduleTriggered(evtMgr)
	return nil
}

// Receive processes an update from a neighbor
func (dp *DsdvProtocol) Receive(evtMgr *evtm.EventManager, pkt *ipPacket) {
	du, ok := pkt.udp.payload.(*dsdvUpdate)
	if !ok {
		b := pkt.udp.payload.marshal()
		var err error
		du, err = unmarshalDsdvUpdate(b)
		if err != nil {
			dp.host.Logger().Warn("bad dsdv update", "proto", "dsdv", "err", err)
			return
		}
	}
	dp.stats.RcvdPckts += 1
	now := evtMgr.CurrentSeconds()
	sender := pkt.src
	self := dp.host.Address()

	changed := false
	flush := make([]netip.Addr, 0)
	for _, e := range du.entries {
		if e.dst == self {
			continue
		}
		hops := dsdvInfinity
		if e.hops != dsdvInfinity {
			hops = e.hops + 1
		}
		rt, present := dp.routes[e.dst]
		if !present {
			if hops == dsdvInfinity {
				continue
			}
			dp.routes[e.dst] = &dsdvRoute{dst: e.dst, nextHop: sender, hops: hops, seq: e.seq,
				installTime: now, settlingTime: dp.cfg.SettlingTime, changed: true, advertiseAt: now}
			changed = true
			flush = append(flush, e.dst)
			continue
		}

		switch {
		case e.seq > rt.seq:
			if hops == dsdvInfinity {
				// a broken route is believed only from the neighbor we route through
				if rt.valid() && rt.nextHop != sender {
					continue
				}
				wasValid := rt.valid()
				rt.seq = e.seq
				rt.hops = dsdvInfinity
				rt.installTime = now
				if wasValid {
					rt.brokenAt = now
					rt.changed = true
					rt.advertiseAt = now
					changed = true
				}
				continue
			}
			wasValid := rt.valid()
			worse := wasValid && hops > rt.hops && rt.nextHop != sender
			settle := dp.weightedSettlingTime(rt, now)
			rt.nextHop = sender
			rt.hops = hops
			rt.seq = e.seq
			rt.installTime = now
			rt.changed = true
			if worse && dp.cfg.EnableWST {
				rt.settlingTime = settle
				rt.advertiseAt = now + settle
			} else {
				rt.advertiseAt = now
			}
			changed = true
			if !wasValid {
				flush = append(flush, e.dst)
			}

		case e.seq == rt.seq && hops != dsdvInfinity:
			if hops < rt.hops {
				rt.nextHop = sender
				rt.hops = hops
				rt.installTime = now
				rt.changed = true
				rt.advertiseAt = now
				changed = true
			} else if rt.nextHop == sender && hops == rt.hops {
				rt.installTime = now
			}
		}
	}

	for _, dst := range flush {
		dp.flushQueue(evtMgr, dst)
	}
	if changed {
		dp.scheduleTriggered(evtMgr)
	}
}

// weightedSettlingTime is the time a worse route waits before it is advertised
func (dp *DsdvProtocol) weightedSettlingTime(rt *dsdvRoute, now float64) float64 {
	if rt.hops == 1 {
		return 0.0
	}
	if !dp.cfg.EnableWST {
		return dp.cfg.SettlingTime
	}
	wf := dp.cfg.WeightedFactor
	return wf*rt.settlingTime + (1.0-wf)*(now-rt.installTime)
}

// lookup returns the valid route to 'dst', if any
func (dp *DsdvProtocol) lookup(dst netip.Addr) (*dsdvRoute, bool) {
	rt, present := dp.routes[dst]
	if !present || !rt.valid() || dst == dp.host.Address() {
		return nil, false
	}
	return rt, true
}

// RouteOutput routes a locally originated packet, queueing it when there is no route
func (dp *DsdvProtocol) RouteOutput(evtMgr *evtm.EventManager, pkt *ipPacket) RouteDecision {
	if rt, ok := dp.lookup(pkt.dst); ok {
		return RouteDecision{Status: Routed, NextHop: rt.nextHop}
	}
	if !dp.cfg.EnableBuffering {
		return RouteDecision{Status: NoRoute}
	}
	if dp.enqueue(evtMgr, pkt) {
		return RouteDecision{Status: Queued}
	}
	return RouteDecision{Status: NoRoute}
}

// RouteInput routes a packet being forwarded
func (dp *DsdvProtocol) RouteInput(evtMgr *evtm.EventManager, pkt *ipPacket) RouteDecision {
	if rt, ok := dp.lookup(pkt.dst); ok {
		return RouteDecision{Status: Routed, NextHop: rt.nextHop}
	}
	return RouteDecision{Status: NoRoute}
}

// enqueue holds a packet until a route to its destination appears.  A full
// queue drops its oldest packet, a full per-destination share refuses the new one
func (dp *DsdvProtocol) enqueue(evtMgr *evtm.EventManager, pkt *ipPacket) bool {
	now := evtMgr.CurrentSeconds()
	dp.purgeQueue(evtMgr, now)

	perDst := 0
	for _, q := range dp.queue {
		if q.pkt.dst == pkt.dst {
			perDst += 1
		}
	}
	if perDst >= dp.cfg.MaxQueuedPacketsPerDst {
		return false
	}
	if len(dp.queue) >= dp.cfg.MaxQueueLen {
		if len(dp.queue) == 0 {
			return false
		}
		dp.host.Drop(evtMgr, dp.queue[0].pkt, "dsdv-queue-full")
		dp.queue = dp.queue[1:]
	}
	dp.queue = append(dp.queue, dsdvQueued{pkt: pkt, queuedAt: now})
	return true
}

// purgeQueue drops packets that waited longer than MaxQueueTime
func (dp *DsdvProtocol) purgeQueue(evtMgr *evtm.EventManager, now float64) {
	kept := dp.queue[:0]
	for _, q := range dp.queue {
		if now-q.queuedAt > dp.cfg.MaxQueueTime {
			dp.host.Drop(evtMgr, q.pkt, "dsdv-queue-timeout")
			continue
		}
		kept = append(kept, q)
	}
	dp.queue = kept
}

// flushQueue sends the packets waiting for 'dst' now that a route exists
func (dp *DsdvProtocol) flushQueue(evtMgr *evtm.EventManager, dst netip.Addr) {
	rt, ok := dp.lookup(dst)
	if !ok {
		return
	}
	now := evtMgr.CurrentSeconds()
	kept := make([]dsdvQueued, 0, len(dp.queue))
	for _, q := range dp.queue {
		if q.pkt.dst != dst {
			kept = append(kept, q)
			continue
		}
		if now-q.queuedAt > dp.cfg.MaxQueueTime {
			dp.host.Drop(evtMgr, q.pkt, "dsdv-queue-timeout")
			continue
		}
		dp.host.SendVia(evtMgr, q.pkt, rt.nextHop)
	}
	dp.queue = kept
}

// queueLen is the number of packets waiting for routes
func (dp *DsdvProtocol) queueLen() int {
	return len(dp.queue)
}

// Stats reports control overhead and the number of valid routes
func (dp *DsdvProtocol) Stats() RoutingStats {
	st := dp.stats
	st.Routes = 0
	for dst, rt := range dp.routes {
		if rt.valid() && dst != dp.host.Address() {
			st.Routes += 1
		}
	}
	return st
}

// PrintRoutingTable writes the header and the table
func (dp *DsdvProtocol) PrintRoutingTable(w io.Writer, now float64) {
	fmt.Fprintln(w, routingTableHeader(dp.host.NodeID(), now, "DSDV"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "DSDV Routing table")
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "Destination\tGateway\tInterface\tHopCount\tSeqNum\tLifeTime\tSettlingTime\t")
	local := dp.host.Address()
	for _, rt := range dp.sortedRoutes() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.2fs\t%.2fs\t\n", rt.dst, rt.nextHop, local,
			rt.hops, rt.seq, now-rt.installTime, rt.settlingTime)
	}
	tw.Flush()
	fmt.Fprintln(w)
}
