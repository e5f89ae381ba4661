package manet

import (
	"bytes"
	"net/netip"

	"github.com/iti/evt/evtm"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

func helloFrom(from netip.Addr, seq uint16, links ...olsrLinkMsg) *ipPacket {
	msg := &olsrMessage{msgType: olsrHelloMsg, vtime: 6.0, originator: from, ttl: 1, seq: seq,
		hello: &olsrHello{htime: 2.0, willingness: olsrWillDefault, links: links}}
	return controlPacket(from, olsrPort, &olsrPacket{seq: seq, msgs: []*olsrMessage{msg}})
}

func tcFrom(sender, orig netip.Addr, seq, ansn uint16, ttl uint8, addrs ...netip.Addr) *ipPacket {
	msg := &olsrMessage{msgType: olsrTcMsg, vtime: 15.0, originator: orig, ttl: ttl, seq: seq,
		tc: &olsrTc{ansn: ansn, addrs: addrs}}
	return controlPacket(sender, olsrPort, &olsrPacket{seq: seq, msgs: []*olsrMessage{msg}})
}

func link(linkType, neighType uint8, addrs ...netip.Addr) olsrLinkMsg {
	return olsrLinkMsg{code: olsrLinkCode(linkType, neighType), addrs: addrs}
}

// sentMessages flattens the messages of every OLSR packet sent
func sentMessages(sent []wirePayload, msgType uint8) []*olsrMessage {
	msgs := make([]*olsrMessage, 0)
	for _, payload := range sent {
		for _, msg := range payload.(*olsrPacket).msgs {
			if msg.msgType == msgType {
				msgs = append(msgs, msg)
			}
		}
	}
	return msgs
}

var _ = Describe("OLSR", func() {
	var (
		mockCtrl *gomock.Controller
		evtMgr   *evtm.EventManager
		host     *MockRoutingHost
		sent     []wirePayload
		op       *OlsrProtocol
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		evtMgr = evtm.New()
		sent = make([]wirePayload, 0)
		host = newMockHost(mockCtrl, addrA, &sent)
		op = CreateOlsrProtocol(host, DefaultOlsrConfig())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should send an empty HELLO after start", func() {
		op.Start(evtMgr)
		evtMgr.Run(1.0)

		hellos := sentMessages(sent, olsrHelloMsg)
		Expect(hellos).To(HaveLen(1))
		Expect(hellos[0].originator).To(Equal(addrA))
		Expect(hellos[0].ttl).To(Equal(uint8(1)))
		Expect(hellos[0].vtime).To(Equal(6.0))
		Expect(hellos[0].hello.links).To(BeEmpty())
		Expect(sentMessages(sent, olsrTcMsg)).To(BeEmpty())
	})

	It("should detect a symmetric neighbor from a HELLO that lists us", func() {
		deliverAt(evtMgr, op, 0.1, helloFrom(addrB, 1))
		deliverAt(evtMgr, op, 0.2, helloFrom(addrB, 2, link(olsrAsymLink, olsrNotNeigh, addrA)))
		op.Start(evtMgr)
		evtMgr.Run(1.0)

		Expect(op.state.isSymNeighbor(addrB)).To(BeTrue())
		decision := op.RouteOutput(evtMgr, &ipPacket{dst: addrB})
		Expect(decision.Status).To(Equal(Routed))
		Expect(decision.NextHop).To(Equal(addrB))
		Expect(op.routes[addrB].distance).To(Equal(1))
	})

	It("should keep an asymmetric link out of the routing table", func() {
		deliverAt(evtMgr, op, 0.1, helloFrom(addrB, 1))
		op.Start(evtMgr)
		evtMgr.Run(1.0)

		Expect(op.state.links).To(HaveKey(addrB))
		Expect(op.state.isSymNeighbor(addrB)).To(BeFalse())
		Expect(op.RouteOutput(evtMgr, &ipPacket{dst: addrB}).Status).To(Equal(NoRoute))
	})

	It("should select the only neighbor that reaches a 2-hop node as MPR", func() {
		deliverAt(evtMgr, op, 0.1, helloFrom(addrB, 1, link(olsrAsymLink, olsrNotNeigh, addrA)))
		deliverAt(evtMgr, op, 0.3, helloFrom(addrB, 2, link(olsrSymLink, olsrSymNeigh, addrA, addrC)))
		op.Start(evtMgr)
		evtMgr.Run(3.0)

		Expect(op.state.mprSet).To(HaveKey(addrB))
		Expect(op.routes[addrC].nextHop).To(Equal(addrB))
		Expect(op.routes[addrC].distance).To(Equal(2))

		hellos := sentMessages(sent, olsrHelloMsg)
		Expect(len(hellos)).To(BeNumerically(">=", 2))
		last := hellos[len(hellos)-1]
		Expect(last.hello.links).To(ContainElement(link(olsrSymLink, olsrMprNeigh, addrB)))
	})

	It("should send TCs advertising its MPR selectors", func() {
		deliverAt(evtMgr, op, 0.1, helloFrom(addrB, 1, link(olsrSymLink, olsrMprNeigh, addrA)))
		op.Start(evtMgr)
		evtMgr.Run(6.0)

		Expect(op.state.mprSelectors).To(HaveKey(addrB))
		tcs := sentMessages(sent, olsrTcMsg)
		Expect(tcs).To(HaveLen(1))
		Expect(tcs[0].tc.addrs).To(Equal([]netip.Addr{addrB}))
		Expect(tcs[0].tc.ansn).To(Equal(uint16(1)))
		Expect(tcs[0].ttl).To(Equal(uint8(255)))
	})

	It("should forward a TC once when the sender selected it as MPR", func() {
		deliverAt(evtMgr, op, 0.1, helloFrom(addrB, 1, link(olsrSymLink, olsrMprNeigh, addrA)))
		deliverAt(evtMgr, op, 0.2, tcFrom(addrB, addrD, 7, 1, 255, addrB))
		deliverAt(evtMgr, op, 0.3, tcFrom(addrB, addrD, 7, 1, 255, addrB))
		op.Start(evtMgr)
		evtMgr.Run(1.0)

		forwarded := make([]*olsrMessage, 0)
		for _, msg := range sentMessages(sent, olsrTcMsg) {
			if msg.originator == addrD {
				forwarded = append(forwarded, msg)
			}
		}
		Expect(forwarded).To(HaveLen(1))
		Expect(forwarded[0].ttl).To(Equal(uint8(254)))
		Expect(forwarded[0].hopCount).To(Equal(uint8(1)))
		Expect(forwarded[0].seq).To(Equal(uint16(7)))
	})

	It("should not forward a TC from a neighbor that did not select it", func() {
		deliverAt(evtMgr, op, 0.1, helloFrom(addrB, 1, link(olsrSymLink, olsrSymNeigh, addrA)))
		deliverAt(evtMgr, op, 0.2, tcFrom(addrB, addrD, 7, 1, 255, addrB))
		op.Start(evtMgr)
		evtMgr.Run(1.0)

		for _, msg := range sentMessages(sent, olsrTcMsg) {
			Expect(msg.originator).NotTo(Equal(addrD))
		}
		Expect(op.state.findTopology(addrB, addrD)).NotTo(BeNil())
	})

	It("should route through the topology set and ignore older ANSNs", func() {
		deliverAt(evtMgr, op, 0.1, helloFrom(addrB, 1, link(olsrSymLink, olsrSymNeigh, addrA, addrD)))
		deliverAt(evtMgr, op, 0.2, tcFrom(addrB, addrD, 7, 5, 255, addrE))
		deliverAt(evtMgr, op, 0.3, tcFrom(addrB, addrD, 8, 4, 255, addrF))
		op.Start(evtMgr)
		evtMgr.Run(1.0)

		Expect(op.state.findTopology(addrE, addrD)).NotTo(BeNil())
		Expect(op.state.findTopology(addrF, addrD)).To(BeNil())
		Expect(op.routes[addrE].nextHop).To(Equal(addrB))
		Expect(op.routes[addrE].distance).To(Equal(3))
		Expect(op.routes).NotTo(HaveKey(addrF))
	})

	It("should drop the routes of a neighbor that went silent", func() {
		deliverAt(evtMgr, op, 0.1, helloFrom(addrB, 1, link(olsrAsymLink, olsrNotNeigh, addrA)))
		op.Start(evtMgr)
		evtMgr.Run(9.0)

		// the link stays in the link set until its own expiry
		Expect(op.state.links).To(HaveKey(addrB))
		Expect(op.state.isSymNeighbor(addrB)).To(BeFalse())
		Expect(op.routes).NotTo(HaveKey(addrB))
	})

	It("should drop a lost neighbor's route while other neighbors keep talking", func() {
		deliverAt(evtMgr, op, 0.15, helloFrom(addrB, 1, link(olsrAsymLink, olsrNotNeigh, addrA)))
		seq := uint16(1)
		for at := 0.2; at < 9.0; at += 0.5 {
			deliverAt(evtMgr, op, at, helloFrom(addrC, seq, link(olsrAsymLink, olsrNotNeigh, addrA)))
			seq += 1
		}
		checkAt(evtMgr, 1.0, func(now float64) {
			Expect(op.routes).To(HaveKey(addrB))
		})
		// B's symmetric time runs out at 6.15 and C's HELLO at 6.2 notices it
		checkAt(evtMgr, 6.3, func(now float64) {
			Expect(op.state.isSymNeighbor(addrB)).To(BeFalse())
			Expect(op.routes).NotTo(HaveKey(addrB))
		})
		op.Start(evtMgr)
		evtMgr.Run(9.0)

		Expect(op.routes).NotTo(HaveKey(addrB))
		Expect(op.routes[addrC]).NotTo(BeNil())
		Expect(op.routes[addrC].distance).To(Equal(1))
	})

	It("should print its table with the OLSR header", func() {
		deliverAt(evtMgr, op, 0.1, helloFrom(addrB, 1, link(olsrAsymLink, olsrNotNeigh, addrA)))
		op.Start(evtMgr)
		evtMgr.Run(1.0)

		var buf bytes.Buffer
		op.PrintRoutingTable(&buf, 1.0)
		Expect(buf.String()).To(HavePrefix("Node: 0, Time: +1s, Local time: +1s, OLSR Routing table\n"))
		Expect(buf.String()).To(ContainSubstring("Destination"))
		Expect(buf.String()).To(MatchRegexp(`10\.0\.0\.2\s+10\.0\.0\.2\s+node-0-wifi0\s+1`))
	})
})

var _ = Describe("OLSR messages", func() {
	It("should encode validity times in mantissa/exponent form", func() {
		Expect(encodeOlsrTime(2.0)).To(Equal(uint8(0x05)))
		Expect(encodeOlsrTime(6.0)).To(Equal(uint8(0x86)))
		Expect(decodeOlsrTime(encodeOlsrTime(15.0))).To(Equal(15.0))
	})

	It("should parse the packets it writes", func() {
		hello := helloFrom(addrB, 3, link(olsrSymLink, olsrMprNeigh, addrA, addrC)).udp.payload.(*olsrPacket)
		tc := tcFrom(addrB, addrD, 4, 9, 200, addrE, addrF).udp.payload.(*olsrPacket)
		pkt := &olsrPacket{seq: 11, msgs: append(hello.msgs, tc.msgs...)}

		b := pkt.marshal()
		Expect(b).To(HaveLen(pkt.length()))
		parsed, err := unmarshalOlsrPacket(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed.seq).To(Equal(uint16(11)))
		Expect(parsed.msgs).To(HaveLen(2))
		Expect(parsed.msgs[0].hello.links).To(Equal(hello.msgs[0].hello.links))
		Expect(parsed.msgs[1].tc.ansn).To(Equal(uint16(9)))
		Expect(parsed.msgs[1].tc.addrs).To(Equal([]netip.Addr{addrE, addrF}))
		Expect(parsed.msgs[1].ttl).To(Equal(uint8(200)))
	})

	It("should compare sequence numbers across wraparound", func() {
		Expect(seqNewer(5, 3)).To(BeTrue())
		Expect(seqNewer(3, 5)).To(BeFalse())
		Expect(seqNewer(2, 65530)).To(BeTrue())
	})
})
