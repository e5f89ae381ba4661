package manet

// portal.go holds state and code related to the transition of
// traffic between the application layer and the network layer.
// Applications enter echo requests through the portal and register
// the event handler that replies are pushed back to.

import (
	"fmt"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// RtnDesc holds the context and event handler
// for scheduling a return
type RtnDesc struct {
	Cxt     any
	EvtHdlr evtm.EventHandlerFunction
}

// a rtnRecord saves the event handling function to call when the network simulation
// pushes a message back into the application layer
type rtnRecord struct {
	count   int
	rtnFunc evtm.EventHandlerFunction
	rtnCxt  any
}

// the return for echo replies is found by the node the reply arrives at
// and the echo identifier
type rtnKey struct {
	nodeID int
	ident  uint16
}

// EchoMsg is what an application enters into the network
type EchoMsg struct {
	Ident    uint16
	Seq      uint16
	DataSize int
}

// EchoReply is delivered to the application's return handler
type EchoReply struct {
	Src      netip.Addr
	Ident    uint16
	Seq      uint16
	TTL      uint8
	Bytes    int // ICMP length, header included
	SendTime float64
	RecvTime float64
}

// NetworkPortal is the application layer's view of the network
type NetworkPortal struct {
	net      *Network
	returnTo map[rtnKey]*rtnRecord
}

// createNetworkPortal is a constructor
func createNetworkPortal(net *Network) *NetworkPortal {
	np := new(NetworkPortal)
	np.net = net
	np.returnTo = make(map[rtnKey]*rtnRecord)
	return np
}

// Register saves the handler that replies to echo identifier 'ident' at node 'nodeID' go to
func (np *NetworkPortal) Register(nodeID int, ident uint16, rtn *RtnDesc) error {
	key := rtnKey{nodeID: nodeID, ident: ident}
	if _, present := np.returnTo[key]; present {
		return fmt.Errorf("echo identifier %d already registered on node %d", ident, nodeID)
	}
	np.returnTo[key] = &rtnRecord{rtnFunc: rtn.EvtHdlr, rtnCxt: rtn.Cxt}
	return nil
}

// Release forgets the registration, later replies are discarded
func (np *NetworkPortal) Release(nodeID int, ident uint16) {
	delete(np.returnTo, rtnKey{nodeID: nodeID, ident: ident})
}

// EnterNetwork builds an echo request from node 'srcID' to 'dst' and sends it
func (np *NetworkPortal) EnterNetwork(evtMgr *evtm.EventManager, srcID int, dst netip.Addr, msg *EchoMsg) error {
	if srcID < 0 || srcID >= len(np.net.nodes) {
		return fmt.Errorf("no node %d to send from", srcID)
	}
	node := np.net.nodes[srcID]
	if node.intrfc == nil || !node.intrfc.addr.IsValid() {
		return fmt.Errorf("node %d has no address", srcID)
	}
	pkt := node.newPacket(dst, protoICMP)
	pkt.icmp = &icmpEcho{icmpType: icmpEchoRequest, ident: msg.Ident, seq: msg.Seq,
		dataSize: msg.DataSize, sendTime: evtMgr.CurrentSeconds()}
	node.output(evtMgr, pkt)
	return nil
}

// Arrive is called by the IPv4 layer with an echo reply addressed to node 'nodeID'
func (np *NetworkPortal) Arrive(evtMgr *evtm.EventManager, nodeID int, pkt *ipPacket) {
	rtn, present := np.returnTo[rtnKey{nodeID: nodeID, ident: pkt.icmp.ident}]
	if !present {
		return
	}
	rtn.count += 1
	reply := &EchoReply{Src: pkt.src, Ident: pkt.icmp.ident, Seq: pkt.icmp.seq, TTL: pkt.ttl,
		Bytes: pkt.icmp.length(), SendTime: pkt.icmp.sendTime, RecvTime: evtMgr.CurrentSeconds()}
	evtMgr.Schedule(rtn.rtnCxt, reply, rtn.rtnFunc, vrtime.SecondsToTime(0.0))
}
