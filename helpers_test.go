package manet

import (
	"io"
	"log/slog"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"go.uber.org/mock/gomock"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
	addrC = netip.MustParseAddr("10.0.0.3")
	addrD = netip.MustParseAddr("10.0.0.4")
	addrE = netip.MustParseAddr("10.0.0.5")
	addrF = netip.MustParseAddr("10.0.0.6")
	bcast = netip.MustParseAddr("10.0.0.255")
)

// controlPacket wraps a routing payload the way SendControl does
func controlPacket(from netip.Addr, port uint16, payload wirePayload) *ipPacket {
	return &ipPacket{src: from, dst: bcast, ttl: 1, protocol: protoUDP,
		udp: &udpDatagram{srcPort: port, dstPort: port, payload: payload}}
}

type delivery struct {
	proto RoutingProtocol
	pkt   *ipPacket
}

func deliverPacket(evtMgr *evtm.EventManager, context any, data any) any {
	d := context.(*delivery)
	d.proto.Receive(evtMgr, d.pkt)
	return nil
}

// deliverAt schedules the protocol's reception of 'pkt' at time 'at'
func deliverAt(evtMgr *evtm.EventManager, proto RoutingProtocol, at float64, pkt *ipPacket) {
	evtMgr.Schedule(&delivery{proto: proto, pkt: pkt}, nil, deliverPacket, vrtime.SecondsToTime(at))
}

// newMockHost returns a host at 'addr' whose control payloads are appended to *sent
func newMockHost(ctrl *gomock.Controller, addr netip.Addr, sent *[]wirePayload) *MockRoutingHost {
	host := NewMockRoutingHost(ctrl)
	host.EXPECT().Address().Return(addr).AnyTimes()
	host.EXPECT().Broadcast().Return(bcast).AnyTimes()
	host.EXPECT().NodeID().Return(int(addr.As4()[3]) - 1).AnyTimes()
	host.EXPECT().IntrfcName().Return("node-0-wifi0").AnyTimes()
	host.EXPECT().U01().Return(0.5).AnyTimes()
	host.EXPECT().Logger().Return(quietLogger()).AnyTimes()
	host.EXPECT().SendControl(gomock.Any(), gomock.Any(), gomock.Any()).
		Do(func(evtMgr *evtm.EventManager, port uint16, payload wirePayload) {
			*sent = append(*sent, payload)
		}).AnyTimes()
	return host
}

type midRunCheck struct {
	check func(now float64)
}

func runCheck(evtMgr *evtm.EventManager, context any, data any) any {
	context.(*midRunCheck).check(evtMgr.CurrentSeconds())
	return nil
}

// checkAt runs 'check' at time 'at' in the middle of a run
func checkAt(evtMgr *evtm.EventManager, at float64, check func(now float64)) {
	evtMgr.Schedule(&midRunCheck{check: check}, nil, runCheck, vrtime.SecondsToTime(at))
}
