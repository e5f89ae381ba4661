package manet

// net.go contains the nodes of the ad-hoc network, their single wifi
// interface, and the IPv4 layer that moves packets between applications,
// the routing protocol and the MAC.

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Network holds every node of the scenario and the channel they share
type Network struct {
	Name       string
	nodes      []*nodeStruct
	nodeByName map[string]*nodeStruct
	nodeByAddr map[netip.Addr]*nodeStruct

	channel *wifiChannel

	// static IP to link address resolution, filled in as addresses are assigned
	macByAddr map[netip.Addr]MacAddr

	prefix netip.Prefix
	sinks  []TraceSink
	portal *NetworkPortal
	logger *slog.Logger
}

// createNetwork is a constructor
func createNetwork(name string, logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	net := new(Network)
	net.Name = name
	net.nodes = make([]*nodeStruct, 0)
	net.nodeByName = make(map[string]*nodeStruct)
	net.nodeByAddr = make(map[netip.Addr]*nodeStruct)
	net.channel = createWifiChannel()
	net.macByAddr = make(map[netip.Addr]MacAddr)
	net.sinks = make([]TraceSink, 0)
	net.logger = logger
	net.portal = createNetworkPortal(net)
	return net
}

// ipStats counts what the IPv4 layer of a node did
type ipStats struct {
	Sent      int `json:"sent" yaml:"sent"`
	Delivered int `json:"delivered" yaml:"delivered"`
	Forwarded int `json:"forwarded" yaml:"forwarded"`
	Dropped   int `json:"dropped" yaml:"dropped"`
}

// nodeStruct is one mobile node
type nodeStruct struct {
	id       int
	name     string
	net      *Network
	intrfc   *intrfcStruct
	mobility *MobilityModel
	rngstrm  *rngstream.RngStream
	routing  RoutingProtocol
	ipID     uint16
	stats    ipStats
	logger   *slog.Logger
}

// intrfcStruct is the wifi device of a node together with its IPv4 configuration
type intrfcStruct struct {
	name    string
	number  int // device index on the node, always 0
	node    *nodeStruct
	addr    netip.Addr
	prefix  netip.Prefix
	bcast   netip.Addr
	macAddr MacAddr
	phy     *wifiPhy
	mac     *adhocMac
	pcap    *PcapFile
}

// addNode creates the next node, named by the caller and numbered in order of creation
func (net *Network) addNode(name string) *nodeStruct {
	node := new(nodeStruct)
	node.id = len(net.nodes)
	node.name = name
	node.net = net
	node.mobility = createMobilityModel(node.id)
	node.rngstrm = rngstream.New(name)
	node.logger = net.logger.With("node", node.id)
	net.nodes = append(net.nodes, node)
	net.nodeByName[name] = node
	return node
}

// createIntrfc attaches a wifi device to the node
func (net *Network) createIntrfc(node *nodeStruct, phy *wifiPhy, dataMode WifiMode, rtsCtsThreshold int) *intrfcStruct {
	is := new(intrfcStruct)
	is.number = 0
	is.name = fmt.Sprintf("%s-wifi%d", node.name, is.number)
	is.node = node
	is.macAddr = macAddrFor(node.id)
	is.phy = phy
	phy.intrfc = is
	net.channel.addPhy(phy)

	is.mac = createAdhocMac(is.macAddr, phy, node.rngstrm, dataMode, rtsCtsThreshold)
	is.mac.deliver = node.recvFromMac
	is.mac.dropped = func(evtMgr *evtm.EventManager, pkt *ipPacket, reason string) {
		node.stats.Dropped += 1
		net.trace(evtMgr, node.id, "drop", pkt, reason)
	}
	node.intrfc = is
	return is
}

// assignAddresses numbers the interfaces in node order from the first host
// address of 'prefix'
func (net *Network) assignAddresses(prefix netip.Prefix) error {
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return fmt.Errorf("address base %s is not IPv4", prefix)
	}
	net.prefix = prefix

	base := addrToUint32(prefix.Addr())
	hostBits := 32 - prefix.Bits()
	bcast := base | (uint32(1)<<hostBits - 1)
	if hostBits < 2 || uint64(len(net.nodes)) > uint64(1)<<hostBits-2 {
		return fmt.Errorf("prefix %s has room for fewer than %d hosts", prefix, len(net.nodes))
	}

	for idx, node := range net.nodes {
		if node.intrfc == nil {
			return fmt.Errorf("node %s has no device to address", node.name)
		}
		is := node.intrfc
		is.addr = uint32ToAddr(base + uint32(idx) + 1)
		is.prefix = prefix
		is.bcast = uint32ToAddr(bcast)
		net.macByAddr[is.addr] = is.macAddr
		net.nodeByAddr[is.addr] = node
	}
	return nil
}

// AddTraceSink subscribes a sink to every packet trace record
func (net *Network) AddTraceSink(sink TraceSink) {
	net.sinks = append(net.sinks, sink)
}

func (net *Network) trace(evtMgr *evtm.EventManager, nodeID int, op string, pkt *ipPacket, reason string) {
	if len(net.sinks) == 0 {
		return
	}
	ntr := createNetTrace(evtMgr.CurrentTime(), nodeID, op, pkt, reason)
	for _, sink := range net.sinks {
		sink.AddNetTrace(ntr)
	}
}

// NodeAddress returns the IPv4 address of node 'id'
func (net *Network) NodeAddress(id int) netip.Addr {
	if id < 0 || id >= len(net.nodes) || net.nodes[id].intrfc == nil {
		return netip.Addr{}
	}
	return net.nodes[id].intrfc.addr
}

// NumNodes is the number of nodes created
func (net *Network) NumNodes() int {
	return len(net.nodes)
}

// Portal is the entry point applications use
func (net *Network) Portal() *NetworkPortal {
	return net.portal
}

// capture writes a transmitted or received frame to the device's pcap file
func (is *intrfcStruct) capture(now float64, frame *macFrame) {
	if is.pcap == nil {
		return
	}
	data, err := frame.marshal()
	if err == nil {
		err = is.pcap.AppendFrame(uint64(now*1e6+0.5), data)
	}
	if err != nil {
		is.node.logger.Error("pcap write failed", "err", err)
		is.pcap = nil
	}
}

func (is *intrfcStruct) isBroadcast(dst netip.Addr) bool {
	return dst == is.bcast || dst == limitedBroadcast
}

// the methods below make nodeStruct a RoutingHost

func (node *nodeStruct) NodeID() int {
	return node.id
}

func (node *nodeStruct) Address() netip.Addr {
	return node.intrfc.addr
}

func (node *nodeStruct) Broadcast() netip.Addr {
	return node.intrfc.bcast
}

func (node *nodeStruct) IntrfcName() string {
	return node.intrfc.name
}

func (node *nodeStruct) U01() float64 {
	return node.rngstrm.RandU01()
}

func (node *nodeStruct) Logger() *slog.Logger {
	return node.logger
}

// SendControl broadcasts a routing payload with TTL 1
func (node *nodeStruct) SendControl(evtMgr *evtm.EventManager, port uint16, payload wirePayload) {
	pkt := node.newPacket(node.intrfc.bcast, protoUDP)
	pkt.ttl = 1
	pkt.udp = &udpDatagram{srcPort: port, dstPort: port, payload: payload}
	node.stats.Sent += 1
	node.net.trace(evtMgr, node.id, "tx", pkt, "")
	node.sendToLink(evtMgr, pkt, pkt.dst)
}

// SendVia passes a packet the routing protocol held back to the link
func (node *nodeStruct) SendVia(evtMgr *evtm.EventManager, pkt *ipPacket, nextHop netip.Addr) {
	node.net.trace(evtMgr, node.id, "tx", pkt, "dequeued")
	node.sendToLink(evtMgr, pkt, nextHop)
}

// Drop records a packet discarded above the MAC
func (node *nodeStruct) Drop(evtMgr *evtm.EventManager, pkt *ipPacket, reason string) {
	node.stats.Dropped += 1
	node.net.trace(evtMgr, node.id, "drop", pkt, reason)
	node.logger.Debug("packet dropped", "pckt", pkt.String(), "reason", reason)
}

// newPacket builds a packet originated here
func (node *nodeStruct) newPacket(dst netip.Addr, protocol uint8) *ipPacket {
	node.ipID += 1
	return &ipPacket{src: node.intrfc.addr, dst: dst, ttl: defaultTTL, id: node.ipID, protocol: protocol}
}

// output sends a locally originated packet
func (node *nodeStruct) output(evtMgr *evtm.EventManager, pkt *ipPacket) {
	pkt.stamp = evtMgr.CurrentSeconds()
	node.stats.Sent += 1
	node.net.trace(evtMgr, node.id, "tx", pkt, "")

	if node.intrfc.isBroadcast(pkt.dst) {
		node.sendToLink(evtMgr, pkt, pkt.dst)
		return
	}
	if pkt.dst == node.intrfc.addr {
		evtMgr.Schedule(node, pkt, ipLocalDelivery, vrtime.SecondsToTime(0.0))
		return
	}
	if node.routing == nil {
		node.Drop(evtMgr, pkt, "no-routing")
		return
	}

	decision := node.routing.RouteOutput(evtMgr, pkt)
	switch decision.Status {
	case Routed:
		node.sendToLink(evtMgr, pkt, decision.NextHop)
	case Queued:
		node.net.trace(evtMgr, node.id, "queue", pkt, "")
	case NoRoute:
		node.Drop(evtMgr, pkt, "no-route")
	}
}

func ipLocalDelivery(evtMgr *evtm.EventManager, context any, data any) any {
	node := context.(*nodeStruct)
	pkt := data.(*ipPacket)
	node.localDeliver(evtMgr, pkt)
	return nil
}

// sendToLink resolves the next hop's link address and queues the packet at the MAC
func (node *nodeStruct) sendToLink(evtMgr *evtm.EventManager, pkt *ipPacket, nextHop netip.Addr) {
	dst := BroadcastMac
	if !node.intrfc.isBroadcast(nextHop) {
		ma, present := node.net.macByAddr[nextHop]
		if !present {
			node.Drop(evtMgr, pkt, "unresolved-next-hop")
			return
		}
		dst = ma
	}
	node.intrfc.mac.enqueue(evtMgr, pkt, dst)
}

// recvFromMac takes a packet the MAC received
func (node *nodeStruct) recvFromMac(evtMgr *evtm.EventManager, pkt *ipPacket, from MacAddr) {
	node.net.trace(evtMgr, node.id, "rx", pkt, "")
	if pkt.dst == node.intrfc.addr || node.intrfc.isBroadcast(pkt.dst) {
		node.localDeliver(evtMgr, pkt)
		return
	}
	node.forward(evtMgr, pkt)
}

// forward relays a packet addressed to another node
func (node *nodeStruct) forward(evtMgr *evtm.EventManager, pkt *ipPacket) {
	if pkt.ttl <= 1 {
		node.Drop(evtMgr, pkt, "ttl-expired")
		return
	}
	fwd := pkt.clone()
	fwd.ttl -= 1

	if node.routing == nil {
		node.Drop(evtMgr, fwd, "no-routing")
		return
	}
	decision := node.routing.RouteInput(evtMgr, fwd)
	if decision.Status != Routed {
		node.Drop(evtMgr, fwd, "no-route")
		return
	}
	node.stats.Forwarded += 1
	node.net.trace(evtMgr, node.id, "fwd", fwd, "")
	node.sendToLink(evtMgr, fwd, decision.NextHop)
}

// localDeliver hands a packet to the protocol it is addressed to
func (node *nodeStruct) localDeliver(evtMgr *evtm.EventManager, pkt *ipPacket) {
	node.stats.Delivered += 1
	switch pkt.protocol {
	case protoICMP:
		switch pkt.icmp.icmpType {
		case icmpEchoRequest:
			node.echoReply(evtMgr, pkt)
		case icmpEchoReply:
			node.net.portal.Arrive(evtMgr, node.id, pkt)
		}
	case protoUDP:
		if node.routing != nil && (pkt.udp.dstPort == dsdvPort || pkt.udp.dstPort == olsrPort) {
			node.routing.Receive(evtMgr, pkt)
			return
		}
		node.logger.Debug("no listener on port", "port", pkt.udp.dstPort)
	}
}

// echoReply answers an echo request, copying its identifier, sequence and data
func (node *nodeStruct) echoReply(evtMgr *evtm.EventManager, req *ipPacket) {
	rep := node.newPacket(req.src, protoICMP)
	echo := *req.icmp
	echo.icmpType = icmpEchoReply
	rep.icmp = &echo
	node.output(evtMgr, rep)
}
