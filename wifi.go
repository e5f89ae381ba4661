package manet

// wifi.go holds the wireless channel and the PHY attached to it. The
// channel computes received power with a log-distance loss model and delays
// arrivals by the propagation time.  The PHY locks onto frames strong enough
// to detect, accumulates interference while receiving, and reports
// busy/idle transitions of the medium to its MAC.

import (
	"fmt"
	"math"
	"strings"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
)

// WifiMode describes a PHY transmission mode
type WifiMode struct {
	Name     string
	dsss     bool
	rateMbps float64
	ndbps    int     // data bits per OFDM symbol
	minSnrDb float64 // SINR needed for a frame to be received
}

var wifiModes map[string]WifiMode = map[string]WifiMode{
	"OfdmRate6Mbps":   {Name: "OfdmRate6Mbps", rateMbps: 6, ndbps: 24, minSnrDb: 4},
	"OfdmRate9Mbps":   {Name: "OfdmRate9Mbps", rateMbps: 9, ndbps: 36, minSnrDb: 6},
	"OfdmRate12Mbps":  {Name: "OfdmRate12Mbps", rateMbps: 12, ndbps: 48, minSnrDb: 7},
	"OfdmRate18Mbps":  {Name: "OfdmRate18Mbps", rateMbps: 18, ndbps: 72, minSnrDb: 9},
	"OfdmRate24Mbps":  {Name: "OfdmRate24Mbps", rateMbps: 24, ndbps: 96, minSnrDb: 12},
	"OfdmRate36Mbps":  {Name: "OfdmRate36Mbps", rateMbps: 36, ndbps: 144, minSnrDb: 16},
	"OfdmRate48Mbps":  {Name: "OfdmRate48Mbps", rateMbps: 48, ndbps: 192, minSnrDb: 20},
	"OfdmRate54Mbps":  {Name: "OfdmRate54Mbps", rateMbps: 54, ndbps: 216, minSnrDb: 22},
	"DsssRate1Mbps":   {Name: "DsssRate1Mbps", dsss: true, rateMbps: 1, minSnrDb: -1},
	"DsssRate2Mbps":   {Name: "DsssRate2Mbps", dsss: true, rateMbps: 2, minSnrDb: 2},
	"DsssRate5_5Mbps": {Name: "DsssRate5_5Mbps", dsss: true, rateMbps: 5.5, minSnrDb: 5},
	"DsssRate11Mbps":  {Name: "DsssRate11Mbps", dsss: true, rateMbps: 11, minSnrDb: 8},
}

// LookupWifiMode returns the mode with the given name
func LookupWifiMode(name string) (WifiMode, error) {
	mode, present := wifiModes[name]
	if !present {
		names := make([]string, 0, len(wifiModes))
		for nm := range wifiModes {
			names = append(names, nm)
		}
		slices.Sort(names)
		return WifiMode{}, fmt.Errorf("unknown wifi mode %q, expected one of %s", name, strings.Join(names, ", "))
	}
	return mode, nil
}

// airtime returns the seconds needed to send 'bytes' bytes in this mode
func (m WifiMode) airtime(bytes int) float64 {
	if m.dsss {
		return 192e-6 + float64(8*bytes)/(m.rateMbps*1e6)
	}
	symbols := math.Ceil(float64(16+8*bytes+6) / float64(m.ndbps))
	return 20e-6 + symbols*4e-6
}

// controlMode is the basic rate used for RTS, CTS and ACK
func (m WifiMode) controlMode() WifiMode {
	if m.dsss {
		return wifiModes["DsssRate1Mbps"]
	}
	return wifiModes["OfdmRate6Mbps"]
}

func dbmToMw(dbm float64) float64 {
	return math.Pow(10.0, dbm/10.0)
}

func mwToDbm(mw float64) float64 {
	return 10.0 * math.Log10(mw)
}

// propagationLoss is the log-distance model
type propagationLoss struct {
	exponent float64
	refDist  float64
	refLoss  float64
}

func defaultPropagationLoss() propagationLoss {
	return propagationLoss{exponent: 3.0, refDist: 1.0, refLoss: 46.6777}
}

// rxPower returns the received power in dBm at distance 'dist' meters
func (pl propagationLoss) rxPower(txDbm, dist float64) float64 {
	if dist <= pl.refDist {
		return txDbm - pl.refLoss
	}
	return txDbm - (pl.refLoss + 10.0*pl.exponent*math.Log10(dist/pl.refDist))
}

// rangeFor inverts rxPower: the largest distance at which a frame sent at
// txDbm still arrives with at least rxDbm
func (pl propagationLoss) rangeFor(txDbm, rxDbm float64) float64 {
	budget := txDbm - rxDbm - pl.refLoss
	if budget <= 0 {
		return pl.refDist
	}
	return pl.refDist * math.Pow(10.0, budget/(10.0*pl.exponent))
}

// signals weaker than this are not delivered to a PHY at all
const channelFloorDbm = -120.0

// wifiChannel connects all PHYs of the scenario
type wifiChannel struct {
	loss  propagationLoss
	speed float64 // propagation speed, m/s
	phys  []*wifiPhy
}

func createWifiChannel() *wifiChannel {
	ch := new(wifiChannel)
	ch.loss = defaultPropagationLoss()
	ch.speed = 3e8
	ch.phys = make([]*wifiPhy, 0)
	return ch
}

func (ch *wifiChannel) addPhy(phy *wifiPhy) {
	phy.channel = ch
	ch.phys = append(ch.phys, phy)
}

// A signal is one frame as seen by one receiver
type signal struct {
	frame       *macFrame
	rxDbm       float64
	end         float64
	maxInterfMw float64
	aborted     bool
}

// transmit delivers a frame to every other PHY on the channel
func (ch *wifiChannel) transmit(evtMgr *evtm.EventManager, sender *wifiPhy, frame *macFrame, duration float64) {
	now := evtMgr.CurrentSeconds()
	srcPos := sender.position(now)
	for _, phy := range ch.phys {
		if phy == sender {
			continue
		}
		dist := srcPos.distance(phy.position(now))
		rxDbm := ch.loss.rxPower(sender.txPowerDbm, dist)
		if rxDbm < channelFloorDbm {
			continue
		}
		sig := &signal{frame: frame, rxDbm: rxDbm}
		delay := dist / ch.speed
		sig.end = now + delay + duration
		evtMgr.Schedule(phy, sig, signalArrival, vrtime.SecondsToTime(delay))
	}
}

// phyListener receives the PHY's notifications
type phyListener interface {
	rxOk(evtMgr *evtm.EventManager, frame *macFrame, sinrDb float64)
	mediumBusy(evtMgr *evtm.EventManager)
	mediumIdle(evtMgr *evtm.EventManager)
	txDone(evtMgr *evtm.EventManager, frame *macFrame)
}

// wifiPhy is the PHY of one device
type wifiPhy struct {
	intrfc       *intrfcStruct
	channel      *wifiChannel
	listener     phyListener
	txPowerDbm   float64
	txPowerEnd   float64
	txLevels     int
	noiseMw      float64
	edThreshold  float64
	ccaThreshold float64

	txUntil  float64
	signals  []*signal
	rx       *signal
	busy     bool
	idleFrom float64

	// used for tests and for static placement when no mobility is bound
	staticPos *Vector
}

const thermalNoiseDbm = -174.0 + 73.0103 // -174 dBm/Hz over 20 MHz

func createWifiPhy(txStart, txEnd, noiseFigure float64) *wifiPhy {
	phy := new(wifiPhy)
	phy.txPowerDbm = txStart
	phy.txPowerEnd = txEnd
	phy.txLevels = 1
	if txEnd != txStart {
		phy.txLevels = 2
	}
	phy.noiseMw = dbmToMw(thermalNoiseDbm + noiseFigure)
	phy.edThreshold = -96.0
	phy.ccaThreshold = -99.0
	phy.signals = make([]*signal, 0)
	return phy
}

func (phy *wifiPhy) position(now float64) Vector {
	if phy.staticPos != nil {
		return *phy.staticPos
	}
	if phy.intrfc != nil && phy.intrfc.node.mobility != nil {
		return phy.intrfc.node.mobility.Position(now)
	}
	return Vector{}
}

func (phy *wifiPhy) transmitting(now float64) bool {
	return now < phy.txUntil
}

// transmit puts a frame on the air.  Any reception in progress is lost
func (phy *wifiPhy) transmit(evtMgr *evtm.EventManager, frame *macFrame) float64 {
	now := evtMgr.CurrentSeconds()
	if phy.rx != nil {
		phy.rx.aborted = true
		phy.rx = nil
	}
	duration := frame.mode.airtime(frame.size())
	phy.txUntil = now + duration
	if phy.intrfc != nil {
		phy.intrfc.capture(now, frame)
	}
	phy.channel.transmit(evtMgr, phy, frame, duration)
	evtMgr.Schedule(phy, frame, phyTxEnd, vrtime.SecondsToTime(duration))
	phy.updateCca(evtMgr)
	return duration
}

func phyTxEnd(evtMgr *evtm.EventManager, context any, data any) any {
	phy := context.(*wifiPhy)
	frame := data.(*macFrame)
	// clear explicitly, tick rounding can leave 'now' a hair short of txUntil
	phy.txUntil = evtMgr.CurrentSeconds()
	if phy.listener != nil {
		phy.listener.txDone(evtMgr, frame)
	}
	phy.updateCca(evtMgr)
	return nil
}

// interferenceMw sums the power of active signals other than 'except'
func (phy *wifiPhy) interferenceMw(except *signal) float64 {
	total := 0.0
	for _, sig := range phy.signals {
		if sig != except {
			total += dbmToMw(sig.rxDbm)
		}
	}
	return total
}

func signalArrival(evtMgr *evtm.EventManager, context any, data any) any {
	phy := context.(*wifiPhy)
	sig := data.(*signal)
	now := evtMgr.CurrentSeconds()

	phy.signals = append(phy.signals, sig)
	evtMgr.Schedule(phy, sig, signalEnd, vrtime.SecondsToTime(sig.end-now))

	if phy.rx != nil {
		interf := phy.interferenceMw(phy.rx)
		if interf > phy.rx.maxInterfMw {
			phy.rx.maxInterfMw = interf
		}
	} else if !phy.transmitting(now) && sig.rxDbm >= phy.edThreshold {
		phy.rx = sig
		sig.maxInterfMw = phy.interferenceMw(sig)
	}
	phy.updateCca(evtMgr)
	return nil
}

func signalEnd(evtMgr *evtm.EventManager, context any, data any) any {
	phy := context.(*wifiPhy)
	sig := data.(*signal)

	idx := slices.Index(phy.signals, sig)
	if idx >= 0 {
		phy.signals = slices.Delete(phy.signals, idx, idx+1)
	}

	if phy.rx == sig {
		phy.rx = nil
		if !sig.aborted {
			sinr := sig.rxDbm - mwToDbm(phy.noiseMw+sig.maxInterfMw)
			if sinr >= sig.frame.mode.minSnrDb {
				if phy.intrfc != nil {
					phy.intrfc.capture(evtMgr.CurrentSeconds(), sig.frame)
				}
				if phy.listener != nil {
					phy.listener.rxOk(evtMgr, sig.frame, sinr)
				}
			}
		}
	}
	phy.updateCca(evtMgr)
	return nil
}

// updateCca recomputes the clear channel assessment and tells the MAC when it changes
func (phy *wifiPhy) updateCca(evtMgr *evtm.EventManager) {
	now := evtMgr.CurrentSeconds()
	busy := phy.rx != nil || phy.transmitting(now) ||
		(len(phy.signals) > 0 && mwToDbm(phy.interferenceMw(nil)) >= phy.ccaThreshold)
	if busy == phy.busy {
		return
	}
	phy.busy = busy
	if !busy {
		phy.idleFrom = now
	}
	if phy.listener == nil {
		return
	}
	if busy {
		phy.listener.mediumBusy(evtMgr)
	} else {
		phy.listener.mediumIdle(evtMgr)
	}
}
