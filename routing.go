package manet

// routing.go defines what a routing protocol offers to the IPv4 stack and
// what the stack offers back to the protocol

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// RouteStatus is the outcome of a routing decision
type RouteStatus int

const (
	// Routed means the packet goes to NextHop
	Routed RouteStatus = iota
	// Queued means the protocol holds the packet and re-injects it later
	Queued
	// NoRoute means the packet is dropped
	NoRoute
)

var routeStatusToStr map[RouteStatus]string = map[RouteStatus]string{Routed: "routed", Queued: "queued", NoRoute: "no-route"}

func (rs RouteStatus) String() string {
	return routeStatusToStr[rs]
}

// RouteDecision is returned by RouteOutput and RouteInput
type RouteDecision struct {
	Status  RouteStatus
	NextHop netip.Addr
}

// RoutingStats counts control traffic
type RoutingStats struct {
	CtrlPckts int `json:"ctrlpckts" yaml:"ctrlpckts"`
	CtrlBytes int `json:"ctrlbytes" yaml:"ctrlbytes"`
	RcvdPckts int `json:"rcvdpckts" yaml:"rcvdpckts"`
	Routes    int `json:"routes" yaml:"routes"`
}

// RoutingProtocol is attached to the IPv4 stack of one node
type RoutingProtocol interface {
	// Name is the label used in table dumps, "DSDV" or "OLSR"
	Name() string

	// Start arms the protocol's timers
	Start(evtMgr *evtm.EventManager)

	// RouteOutput routes a packet originated by this node
	RouteOutput(evtMgr *evtm.EventManager, pkt *ipPacket) RouteDecision

	// RouteInput routes a packet being forwarded
	RouteInput(evtMgr *evtm.EventManager, pkt *ipPacket) RouteDecision

	// Receive handles a control packet addressed to the protocol's port
	Receive(evtMgr *evtm.EventManager, pkt *ipPacket)

	// PrintRoutingTable writes the table as it stands at time 'now'
	PrintRoutingTable(w io.Writer, now float64)

	Stats() RoutingStats
}

// RoutingHost is the view of the node that a routing protocol works through
type RoutingHost interface {
	NodeID() int
	Address() netip.Addr
	Broadcast() netip.Addr
	IntrfcName() string

	// U01 draws from the node's random number stream
	U01() float64

	// SendControl broadcasts a protocol payload to the one-hop neighborhood
	SendControl(evtMgr *evtm.EventManager, port uint16, payload wirePayload)

	// SendVia hands a packet the protocol was holding to the link toward 'nextHop'
	SendVia(evtMgr *evtm.EventManager, pkt *ipPacket, nextHop netip.Addr)

	// Drop records a packet the protocol discards
	Drop(evtMgr *evtm.EventManager, pkt *ipPacket, reason string)

	Logger() *slog.Logger
}

// hostJitter draws a delay in [0, maxJitter) from the host's stream
func hostJitter(host RoutingHost, maxJitter float64) float64 {
	return roundFloat(maxJitter*host.U01(), rdigits)
}

// routingTableHeader opens every table dump
func routingTableHeader(nodeID int, now float64, proto string) string {
	return fmt.Sprintf("Node: %d, Time: %s, Local time: %s, %s Routing table", nodeID, fmtSimTime(now), fmtSimTime(now), proto)
}

type tableDump struct {
	net *Network
	w   io.Writer
}

// PrintRoutingTableAllAt schedules a dump of every node's table at absolute time 'at'
func (net *Network) PrintRoutingTableAllAt(evtMgr *evtm.EventManager, at float64, w io.Writer) {
	delay := at - evtMgr.CurrentSeconds()
	if delay < 0 {
		delay = 0
	}
	evtMgr.Schedule(&tableDump{net: net, w: w}, nil, dumpAllTables, vrtime.SecondsToTime(delay))
}

func dumpAllTables(evtMgr *evtm.EventManager, context any, data any) any {
	td := context.(*tableDump)
	now := evtMgr.CurrentSeconds()
	for _, node := range td.net.nodes {
		if node.routing == nil {
			continue
		}
		node.routing.PrintRoutingTable(td.w, now)
	}
	return nil
}
