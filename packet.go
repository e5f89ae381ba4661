package manet

// packet.go holds the in-simulation representation of frames and packets
// that move through the wifi channel and the IPv4 stack, along with the
// encodings used when they are written to a pcap file and to size airtime.

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MacAddr is a 48-bit 802.11 address
type MacAddr [6]byte

// BroadcastMac is the all-ones link address
var BroadcastMac = MacAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// macAddrFor returns the address assigned to the device of node 'id',
// numbered from 1 in node order
func macAddrFor(id int) MacAddr {
	var ma MacAddr
	v := uint64(id + 1)
	for idx := 5; idx >= 0; idx-- {
		ma[idx] = byte(v & 0xff)
		v >>= 8
	}
	return ma
}

func (ma MacAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", ma[0], ma[1], ma[2], ma[3], ma[4], ma[5])
}

// IsBroadcast is true for the all-ones address
func (ma MacAddr) IsBroadcast() bool {
	return ma == BroadcastMac
}

type frameKind int

const (
	dataFrame frameKind = iota
	rtsFrame
	ctsFrame
	ackFrame
)

var frameKindToStr map[frameKind]string = map[frameKind]string{dataFrame: "data", rtsFrame: "rts", ctsFrame: "cts", ackFrame: "ack"}

// 802.11 sizes, in bytes
const (
	macDataOverhead = 24 + 8 + 4 // header, LLC/SNAP, FCS
	rtsSize         = 20
	ctsSize         = 14
	ackSize         = 14
)

// macFrame is a frame handed between MAC and PHY
type macFrame struct {
	kind     frameKind
	src      MacAddr
	dst      MacAddr
	seq      uint16
	retry    bool
	duration float64 // NAV value carried by the frame, in seconds
	mode     WifiMode
	payload  *ipPacket
}

// size returns the number of bytes the frame occupies on the air
func (f *macFrame) size() int {
	switch f.kind {
	case rtsFrame:
		return rtsSize
	case ctsFrame:
		return ctsSize
	case ackFrame:
		return ackSize
	}
	return macDataOverhead + f.payload.length()
}

func durationField(secs float64) uint16 {
	us := math.Ceil(secs * 1e6)
	if us > 32767 {
		us = 32767
	}
	return uint16(us)
}

// adhocBssid is the BSSID field of every data frame
var adhocBssid = net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// dot11 returns the 802.11 header of the frame
func (f *macFrame) dot11() *layers.Dot11 {
	hdr := &layers.Dot11{DurationID: durationField(f.duration), Address1: net.HardwareAddr(f.dst[:])}
	switch f.kind {
	case rtsFrame:
		hdr.Type = layers.Dot11TypeCtrlRTS
		hdr.Address2 = net.HardwareAddr(f.src[:])
	case ctsFrame:
		hdr.Type = layers.Dot11TypeCtrlCTS
	case ackFrame:
		hdr.Type = layers.Dot11TypeCtrlAck
	default:
		hdr.Type = layers.Dot11TypeData
		hdr.Address2 = net.HardwareAddr(f.src[:])
		hdr.Address3 = adhocBssid
		hdr.SequenceNumber = f.seq
		if f.retry {
			hdr.Flags |= layers.Dot11FlagsRetry
		}
	}
	return hdr
}

// marshal encodes the frame without FCS, the way it appears with link type 105
func (f *macFrame) marshal() ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if f.kind != dataFrame {
		if err := gopacket.SerializeLayers(buf, wireOpts, f.dot11()); err != nil {
			return nil, fmt.Errorf("encoding %s frame: %w", frameKindToStr[f.kind], err)
		}
		// the serializer always reserves a data header, control frames are shorter
		return buf.Bytes()[:f.size()-4], nil
	}

	stack := []gopacket.SerializableLayer{f.dot11(),
		&layers.LLC{DSAP: 0xaa, SSAP: 0xaa, Control: 0x03},
		&layers.SNAP{OrganizationalCode: []byte{0x00, 0x00, 0x00}, Type: layers.EthernetTypeIPv4}}
	stack = append(stack, f.payload.stack()...)
	if err := gopacket.SerializeLayers(buf, wireOpts, stack...); err != nil {
		return nil, fmt.Errorf("encoding data frame %s: %w", f.payload, err)
	}
	return buf.Bytes(), nil
}

// IP protocol numbers
const (
	protoICMP uint8 = 1
	protoUDP  uint8 = 17
)

// well-known UDP ports of the routing protocols
const (
	dsdvPort uint16 = 269
	olsrPort uint16 = 698
)

const defaultTTL uint8 = 64

// wirePayload is implemented by everything carried inside a UDP datagram
type wirePayload interface {
	marshal() []byte
	length() int
}

type udpDatagram struct {
	srcPort uint16
	dstPort uint16
	payload wirePayload
}

func (ud *udpDatagram) length() int {
	return 8 + ud.payload.length()
}

const (
	icmpEchoReply   uint8 = 0
	icmpEchoRequest uint8 = 8
)

// icmpEcho is an echo request or reply. The first eight data bytes carry
// the send time, which is how the pinger measures round trips
type icmpEcho struct {
	icmpType uint8
	ident    uint16
	seq      uint16
	dataSize int
	sendTime float64
}

func (ie *icmpEcho) length() int {
	return 8 + ie.dataSize
}

// data is the echo payload, the send time in nanoseconds followed by zeros
func (ie *icmpEcho) data() []byte {
	b := make([]byte, ie.dataSize)
	if ie.dataSize >= 8 {
		binary.BigEndian.PutUint64(b, uint64(ie.sendTime*1e9))
	}
	return b
}

// ipPacket is an IPv4 packet. Payload is exactly one of udp or icmp
type ipPacket struct {
	src      netip.Addr
	dst      netip.Addr
	ttl      uint8
	id       uint16
	protocol uint8
	udp      *udpDatagram
	icmp     *icmpEcho

	// simulation time the packet was created or queued, not on the wire
	stamp float64
}

func (p *ipPacket) length() int {
	switch p.protocol {
	case protoUDP:
		return 20 + p.udp.length()
	case protoICMP:
		return 20 + p.icmp.length()
	}
	return 20
}

// clone copies the header so that forwarding can alter the TTL of a packet
// that other receivers of the same broadcast still hold
func (p *ipPacket) clone() *ipPacket {
	cp := *p
	return &cp
}

var wireOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// stack returns the packet as gopacket layers, IPv4 header first
func (p *ipPacket) stack() []gopacket.SerializableLayer {
	src, dst := p.src.As4(), p.dst.As4()
	ip := &layers.IPv4{Version: 4, IHL: 5, Id: p.id, TTL: p.ttl, Protocol: layers.IPProtocol(p.protocol),
		SrcIP: net.IP(src[:]), DstIP: net.IP(dst[:])}
	switch p.protocol {
	case protoUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(p.udp.srcPort), DstPort: layers.UDPPort(p.udp.dstPort)}
		_ = udp.SetNetworkLayerForChecksum(ip)
		return []gopacket.SerializableLayer{ip, udp, gopacket.Payload(p.udp.payload.marshal())}
	case protoICMP:
		icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(p.icmp.icmpType, 0),
			Id: p.icmp.ident, Seq: p.icmp.seq}
		return []gopacket.SerializableLayer{ip, icmp, gopacket.Payload(p.icmp.data())}
	}
	return []gopacket.SerializableLayer{ip}
}

// marshal encodes the packet with IPv4, UDP and ICMP checksums filled in
func (p *ipPacket) marshal() ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, wireOpts, p.stack()...); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", p, err)
	}
	return buf.Bytes(), nil
}

func (p *ipPacket) String() string {
	switch p.protocol {
	case protoICMP:
		return fmt.Sprintf("%s > %s icmp type=%d seq=%d ttl=%d", p.src, p.dst, p.icmp.icmpType, p.icmp.seq, p.ttl)
	case protoUDP:
		return fmt.Sprintf("%s > %s udp %d>%d ttl=%d", p.src, p.dst, p.udp.srcPort, p.udp.dstPort, p.ttl)
	}
	return fmt.Sprintf("%s > %s proto=%d", p.src, p.dst, p.protocol)
}

// protoName labels packets in traces
func (p *ipPacket) protoName() string {
	switch p.protocol {
	case protoICMP:
		return "icmp"
	case protoUDP:
		switch p.udp.dstPort {
		case dsdvPort:
			return "dsdv"
		case olsrPort:
			return "olsr"
		}
		return "udp"
	}
	return "ip"
}

func addrToUint32(addr netip.Addr) uint32 {
	a4 := addr.As4()
	return binary.BigEndian.Uint32(a4[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var a4 [4]byte
	binary.BigEndian.PutUint32(a4[:], v)
	return netip.AddrFrom4(a4)
}

func putAddr(b []byte, addr netip.Addr) {
	a4 := addr.As4()
	copy(b, a4[:])
}
