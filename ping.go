package manet

// ping.go holds the echo application.  An app sends an echo request to its
// remote address every interval between its start and stop times, matches
// replies to requests by sequence number, and prints the familiar ping
// lines when verbose.

import (
	"fmt"
	"io"
	"math"
	"net/netip"
	"strconv"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PingConfig holds the attributes shared by every ping app of a scenario
type PingConfig struct {
	Interval     float64 `json:"interval" yaml:"interval"`
	Size         int     `json:"size" yaml:"size"`
	Verbose      bool    `json:"verbose" yaml:"verbose"`
	IntervalDist string  `json:"intervaldist" yaml:"intervaldist"`
}

// DefaultPingConfig gives the attribute defaults
func DefaultPingConfig() PingConfig {
	return PingConfig{Interval: 1.0, Size: 56, Verbose: true, IntervalDist: "const"}
}

func (pc *PingConfig) paramObjName() string {
	return "Ping"
}

func (pc *PingConfig) setParam(paramType string, value valueStruct) error {
	switch paramType {
	case "Interval":
		if !(value.floatValue > 0) {
			return fmt.Errorf("ping Interval must be positive")
		}
		pc.Interval = value.floatValue
	case "Size":
		if value.intValue < 0 {
			return fmt.Errorf("ping Size must not be negative")
		}
		pc.Size = value.intValue
	case "Verbose":
		pc.Verbose = value.boolValue
	case "IntervalDist":
		if intervalSampler(value.stringValue) == nil {
			return fmt.Errorf("unknown ping IntervalDist %q", value.stringValue)
		}
		pc.IntervalDist = value.stringValue
	default:
		return fmt.Errorf("unknown Ping parameter %s", paramType)
	}
	return nil
}

// PingStats summarizes one app's run
type PingStats struct {
	Node     int     `json:"node" yaml:"node"`
	Remote   string  `json:"remote" yaml:"remote"`
	Sent     int     `json:"sent" yaml:"sent"`
	Received int     `json:"received" yaml:"received"`
	LossPct  int     `json:"losspct" yaml:"losspct"`
	MinRtt   float64 `json:"minrtt" yaml:"minrtt"`
	AvgRtt   float64 `json:"avgrtt" yaml:"avgrtt"`
	MaxRtt   float64 `json:"maxrtt" yaml:"maxrtt"`
	MdevRtt  float64 `json:"mdevrtt" yaml:"mdevrtt"`
}

// PingApp is one echo application
type PingApp struct {
	NodeID int
	Ident  uint16
	Remote netip.Addr
	Cfg    PingConfig

	portal  *NetworkPortal
	node    *nodeStruct
	out     io.Writer
	sampler func(float64, []float64) float64

	start, stop float64
	started     float64
	running     bool
	token       int
	seq         uint16
	numSent     int // seq wraps, this does not
	sent        map[uint16]float64
	rtts        []float64 // milliseconds
}

// CreatePingApp is a constructor.  Replies are registered with the portal under 'ident'
func CreatePingApp(net *Network, nodeID int, ident uint16, remote netip.Addr, cfg PingConfig, out io.Writer) (*PingApp, error) {
	if nodeID < 0 || nodeID >= len(net.nodes) {
		return nil, fmt.Errorf("no node %d for ping", nodeID)
	}
	sampler := intervalSampler(cfg.IntervalDist)
	if sampler == nil {
		return nil, fmt.Errorf("unknown ping interval distribution %q", cfg.IntervalDist)
	}
	pa := new(PingApp)
	pa.NodeID = nodeID
	pa.Ident = ident
	pa.Remote = remote
	pa.Cfg = cfg
	pa.portal = net.portal
	pa.node = net.nodes[nodeID]
	pa.out = out
	pa.sampler = sampler
	pa.sent = make(map[uint16]float64)
	pa.rtts = make([]float64, 0)

	rtn := &RtnDesc{Cxt: pa, EvtHdlr: pingReplyArrival}
	if err := net.portal.Register(nodeID, ident, rtn); err != nil {
		return nil, err
	}
	return pa, nil
}

// Schedule arms the app to run over [start, stop)
func (pa *PingApp) Schedule(evtMgr *evtm.EventManager, start, stop float64) {
	pa.start, pa.stop = start, stop
	now := evtMgr.CurrentSeconds()
	evtMgr.Schedule(pa, nil, pingStart, vrtime.SecondsToTime(math.Max(0, start-now)))
	evtMgr.Schedule(pa, nil, pingStop, vrtime.SecondsToTime(math.Max(0, stop-now)))
}

func pingStart(evtMgr *evtm.EventManager, context any, data any) any {
	pa := context.(*PingApp)
	pa.running = true
	pa.started = evtMgr.CurrentSeconds()
	if pa.Cfg.Verbose && pa.out != nil {
		fmt.Fprintf(pa.out, "PING  %s %d(%d) bytes of data.\n", pa.Remote, pa.Cfg.Size, pa.Cfg.Size+28)
	}
	pa.send(evtMgr)
	return nil
}

func (pa *PingApp) send(evtMgr *evtm.EventManager) {
	msg := &EchoMsg{Ident: pa.Ident, Seq: pa.seq, DataSize: pa.Cfg.Size}
	pa.sent[pa.seq] = evtMgr.CurrentSeconds()
	pa.seq += 1
	pa.numSent += 1
	if err := pa.portal.EnterNetwork(evtMgr, pa.NodeID, pa.Remote, msg); err != nil {
		pa.node.logger.Error("ping send failed", "err", err)
	}

	pa.token += 1
	next := pa.sampler(pa.node.rngstrm.RandU01(), []float64{pa.Cfg.Interval})
	evtMgr.Schedule(pa, pa.token, pingNext, vrtime.SecondsToTime(next))
}

func pingNext(evtMgr *evtm.EventManager, context any, data any) any {
	pa := context.(*PingApp)
	if !pa.running || data.(int) != pa.token {
		return nil
	}
	pa.send(evtMgr)
	return nil
}

func pingReplyArrival(evtMgr *evtm.EventManager, context any, data any) any {
	pa := context.(*PingApp)
	reply := data.(*EchoReply)
	pa.receive(reply)
	return nil
}

func (pa *PingApp) receive(reply *EchoReply) {
	if !pa.running {
		return
	}
	sendTime, present := pa.sent[reply.Seq]
	if !present {
		return
	}
	delete(pa.sent, reply.Seq)

	// whole milliseconds, truncated
	rttMs := float64(int64((reply.RecvTime - sendTime) * 1000.0))
	pa.rtts = append(pa.rtts, rttMs)
	if pa.Cfg.Verbose && pa.out != nil {
		fmt.Fprintf(pa.out, "%d bytes from %s: icmp_seq=%d ttl=%d time=%d ms\n",
			reply.Bytes, reply.Src, reply.Seq, reply.TTL, int64(rttMs))
	}
}

func pingStop(evtMgr *evtm.EventManager, context any, data any) any {
	pa := context.(*PingApp)
	if !pa.running {
		return nil
	}
	pa.running = false
	pa.token += 1
	pa.portal.Release(pa.NodeID, pa.Ident)
	if pa.Cfg.Verbose && pa.out != nil {
		pa.writeStatistics(pa.out, evtMgr.CurrentSeconds())
	}
	return nil
}

// Stats returns the counts and round-trip statistics so far
func (pa *PingApp) Stats() PingStats {
	ps := PingStats{Node: pa.NodeID, Remote: pa.Remote.String(), Sent: pa.numSent, Received: len(pa.rtts)}
	if ps.Sent > 0 {
		ps.LossPct = (ps.Sent - ps.Received) * 100 / ps.Sent
	}
	if len(pa.rtts) > 0 {
		ps.MinRtt = floats.Min(pa.rtts)
		ps.MaxRtt = floats.Max(pa.rtts)
		ps.AvgRtt = stat.Mean(pa.rtts, nil)
		if len(pa.rtts) > 1 {
			ps.MdevRtt = stat.StdDev(pa.rtts, nil)
		}
	}
	return ps
}

func fmtPrec4(v float64) string {
	return strconv.FormatFloat(v, 'g', 4, 64)
}

func (pa *PingApp) writeStatistics(w io.Writer, now float64) {
	ps := pa.Stats()
	fmt.Fprintf(w, "--- %s ping statistics ---\n", pa.Remote)
	fmt.Fprintf(w, "%d packets transmitted, %d received, %d%% packet loss, time %dms\n",
		ps.Sent, ps.Received, ps.LossPct, int64((now-pa.started)*1000.0))
	if ps.Received > 0 {
		fmt.Fprintf(w, "rtt min/avg/max/mdev = %s/%s/%s/%s ms\n",
			fmtPrec4(ps.MinRtt), fmtPrec4(ps.AvgRtt), fmtPrec4(ps.MaxRtt), fmtPrec4(ps.MdevRtt))
	}
}
