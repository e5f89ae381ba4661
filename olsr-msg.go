package manet

// olsr-msg.go holds the OLSR packet and message formats of RFC 3626:
// a packet header followed by messages, each with a common header and a
// HELLO or TC body

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
)

const (
	olsrHelloMsg uint8 = 1
	olsrTcMsg    uint8 = 2
)

// link types, the low two bits of a link code
const (
	olsrUnspecLink uint8 = 0
	olsrAsymLink   uint8 = 1
	olsrSymLink    uint8 = 2
	olsrLostLink   uint8 = 3
)

// neighbor types, the next two bits
const (
	olsrNotNeigh uint8 = 0
	olsrSymNeigh uint8 = 1
	olsrMprNeigh uint8 = 2
)

func olsrLinkCode(linkType, neighType uint8) uint8 {
	return (neighType << 2) | linkType
}

func olsrLinkType(code uint8) uint8 {
	return code & 0x03
}

func olsrNeighType(code uint8) uint8 {
	return (code >> 2) & 0x03
}

// olsrC is the scaling constant of the vtime/htime encoding
const olsrC = 1.0 / 16.0

// encodeOlsrTime converts seconds to the mantissa/exponent byte a<<4 | b
// where the value is C*(1+a/16)*2^b
func encodeOlsrTime(secs float64) uint8 {
	if secs <= olsrC {
		return 0
	}
	b := 0
	for b < 15 && secs/olsrC >= math.Pow(2, float64(b+1)) {
		b += 1
	}
	a := int(math.Ceil(16.0 * (secs/(olsrC*math.Pow(2, float64(b))) - 1.0)))
	if a >= 16 {
		b += 1
		a = 0
	}
	if b > 15 {
		return 0xff
	}
	return uint8(a<<4 | b)
}

// decodeOlsrTime is the inverse of encodeOlsrTime
func decodeOlsrTime(v uint8) float64 {
	a := float64(v >> 4)
	b := float64(v & 0x0f)
	return olsrC * (1.0 + a/16.0) * math.Pow(2, b)
}

// olsrLinkMsg is one link message of a HELLO: a link code and the neighbor
// addresses it applies to
type olsrLinkMsg struct {
	code  uint8
	addrs []netip.Addr
}

type olsrHello struct {
	htime       float64
	willingness uint8
	links       []olsrLinkMsg
}

func (h *olsrHello) length() int {
	n := 4
	for _, lm := range h.links {
		n += 4 + 4*len(lm.addrs)
	}
	return n
}

type olsrTc struct {
	ansn  uint16
	addrs []netip.Addr
}

func (tc *olsrTc) length() int {
	return 4 + 4*len(tc.addrs)
}

// olsrMessage is a message with its common header
type olsrMessage struct {
	msgType    uint8
	vtime      float64
	originator netip.Addr
	ttl        uint8
	hopCount   uint8
	seq        uint16
	hello      *olsrHello
	tc         *olsrTc
}

func (m *olsrMessage) length() int {
	switch m.msgType {
	case olsrHelloMsg:
		return 12 + m.hello.length()
	case olsrTcMsg:
		return 12 + m.tc.length()
	}
	return 12
}

// olsrPacket is the UDP payload
type olsrPacket struct {
	seq  uint16
	msgs []*olsrMessage
}

func (p *olsrPacket) length() int {
	n := 4
	for _, m := range p.msgs {
		n += m.length()
	}
	return n
}

func (p *olsrPacket) marshal() []byte {
	b := make([]byte, 4, p.length())
	binary.BigEndian.PutUint16(b[0:], uint16(p.length()))
	binary.BigEndian.PutUint16(b[2:], p.seq)
	for _, m := range p.msgs {
		b = append(b, m.marshal()...)
	}
	return b
}

func (m *olsrMessage) marshal() []byte {
	b := make([]byte, 12, m.length())
	b[0] = m.msgType
	b[1] = encodeOlsrTime(m.vtime)
	binary.BigEndian.PutUint16(b[2:], uint16(m.length()))
	putAddr(b[4:], m.originator)
	b[8] = m.ttl
	b[9] = m.hopCount
	binary.BigEndian.PutUint16(b[10:], m.seq)

	switch m.msgType {
	case olsrHelloMsg:
		hb := make([]byte, 4)
		hb[2] = encodeOlsrTime(m.hello.htime)
		hb[3] = m.hello.willingness
		b = append(b, hb...)
		for _, lm := range m.hello.links {
			lb := make([]byte, 4+4*len(lm.addrs))
			lb[0] = lm.code
			binary.BigEndian.PutUint16(lb[2:], uint16(len(lb)))
			for idx, addr := range lm.addrs {
				putAddr(lb[4+4*idx:], addr)
			}
			b = append(b, lb...)
		}
	case olsrTcMsg:
		tb := make([]byte, 4+4*len(m.tc.addrs))
		binary.BigEndian.PutUint16(tb[0:], m.tc.ansn)
		for idx, addr := range m.tc.addrs {
			putAddr(tb[4+4*idx:], addr)
		}
		b = append(b, tb...)
	}
	return b
}

func readAddrs(b []byte) []netip.Addr {
	addrs := make([]netip.Addr, 0, len(b)/4)
	for idx := 0; idx+4 <= len(b); idx += 4 {
		addrs = append(addrs, uint32ToAddr(binary.BigEndian.Uint32(b[idx:])))
	}
	return addrs
}

// unmarshalOlsrPacket parses a packet, skipping message types it does not know
func unmarshalOlsrPacket(b []byte) (*olsrPacket, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("olsr packet of %d bytes is too short", len(b))
	}
	plen := int(binary.BigEndian.Uint16(b[0:]))
	if plen > len(b) {
		return nil, fmt.Errorf("olsr packet length %d exceeds %d bytes received", plen, len(b))
	}
	p := &olsrPacket{seq: binary.BigEndian.Uint16(b[2:]), msgs: make([]*olsrMessage, 0)}
	off := 4
	for off < plen {
		if plen-off < 12 {
			return nil, fmt.Errorf("truncated olsr message header at offset %d", off)
		}
		mb := b[off:]
		msize := int(binary.BigEndian.Uint16(mb[2:]))
		if msize < 12 || off+msize > plen {
			return nil, fmt.Errorf("bad olsr message size %d at offset %d", msize, off)
		}
		m := &olsrMessage{
			msgType:    mb[0],
			vtime:      decodeOlsrTime(mb[1]),
			originator: uint32ToAddr(binary.BigEndian.Uint32(mb[4:])),
			ttl:        mb[8],
			hopCount:   mb[9],
			seq:        binary.BigEndian.Uint16(mb[10:]),
		}
		body := mb[12:msize]
		switch m.msgType {
		case olsrHelloMsg:
			if len(body) < 4 {
				return nil, fmt.Errorf("truncated hello")
			}
			h := &olsrHello{htime: decodeOlsrTime(body[2]), willingness: body[3], links: make([]olsrLinkMsg, 0)}
			lo := 4
			for lo+4 <= len(body) {
				lsize := int(binary.BigEndian.Uint16(body[lo+2:]))
				if lsize < 4 || lo+lsize > len(body) {
					return nil, fmt.Errorf("bad hello link message size %d", lsize)
				}
				h.links = append(h.links, olsrLinkMsg{code: body[lo], addrs: readAddrs(body[lo+4 : lo+lsize])})
				lo += lsize
			}
			m.hello = h
		case olsrTcMsg:
			if len(body) < 4 {
				return nil, fmt.Errorf("truncated tc")
			}
			m.tc = &olsrTc{ansn: binary.BigEndian.Uint16(body[0:]), addrs: readAddrs(body[4:])}
		default:
			off += msize
			continue
		}
		p.msgs = append(p.msgs, m)
		off += msize
	}
	return p, nil
}

// seqNewer compares 16 bit sequence numbers with wraparound, RFC 3626 19
func seqNewer(s1, s2 uint16) bool {
	return (s1 > s2 && s1-s2 <= 32768) || (s2 > s1 && s2-s1 > 32768)
}
