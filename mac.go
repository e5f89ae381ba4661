package manet

// mac.go holds the ad-hoc 802.11 MAC, a DCF that serves one frame at a time
// from a FIFO transmit queue.  A frame waits for the medium to stay idle for
// DIFS, then counts down a random backoff that freezes whenever the medium
// turns busy.  Unicast frames larger than the RTS/CTS threshold are protected
// by an RTS/CTS exchange and every unicast data frame is acknowledged.
// Missing responses double the contention window and the frame is retried
// until the retry limit is reached.

import (
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

type macState int

const (
	macIdle macState = iota
	macContend
	macTxRts
	macWaitCts
	macTxData
	macWaitAck
)

// slack added to response timeouts to cover propagation
const propMargin = 2e-6

// macStats counts what a MAC did over the run
type macStats struct {
	TxData     int `json:"txdata" yaml:"txdata"`
	TxCtrl     int `json:"txctrl" yaml:"txctrl"`
	RxData     int `json:"rxdata" yaml:"rxdata"`
	Retries    int `json:"retries" yaml:"retries"`
	RetryDrops int `json:"retrydrops" yaml:"retrydrops"`
	QueueDrops int `json:"queuedrops" yaml:"queuedrops"`
}

// adhocMac is the MAC of one wifi device
type adhocMac struct {
	addr            MacAddr
	phy             *wifiPhy
	rngstrm         *rngstream.RngStream
	dataMode        WifiMode
	ctrlMode        WifiMode
	rtsCtsThreshold int
	maxQueue        int
	shortRetryLimit int
	longRetryLimit  int
	cwMin           int
	cwMax           int
	sifs            float64
	slot            float64
	difs            float64

	queue        []*macFrame
	cur          *macFrame
	state        macState
	cw           int
	shortRetries int
	longRetries  int
	usedRts      bool

	// backoffSlots is -1 when no backoff is pending
	backoffSlots  int
	countingDown  bool
	countdownFrom float64
	accessToken   int
	respToken     int

	nav        float64
	navBusy    bool
	navToken   int
	responding bool

	seq     uint16
	lastSeq map[MacAddr]uint16

	// deliver passes a received data frame up to the IP layer
	deliver func(evtMgr *evtm.EventManager, pkt *ipPacket, from MacAddr)

	// dropped reports a data frame the MAC gave up on
	dropped func(evtMgr *evtm.EventManager, pkt *ipPacket, reason string)

	stats macStats
}

// createAdhocMac is a constructor
func createAdhocMac(addr MacAddr, phy *wifiPhy, rngstrm *rngstream.RngStream, dataMode WifiMode, rtsCtsThreshold int) *adhocMac {
	mac := new(adhocMac)
	mac.addr = addr
	mac.phy = phy
	mac.rngstrm = rngstrm
	mac.dataMode = dataMode
	mac.ctrlMode = dataMode.controlMode()
	mac.rtsCtsThreshold = rtsCtsThreshold
	mac.maxQueue = 500
	mac.shortRetryLimit = 7
	mac.longRetryLimit = 4
	if dataMode.dsss {
		mac.sifs, mac.slot, mac.cwMin = 10e-6, 20e-6, 31
	} else {
		mac.sifs, mac.slot, mac.cwMin = 16e-6, 9e-6, 15
	}
	mac.cwMax = 1023
	mac.difs = mac.sifs + 2*mac.slot
	mac.cw = mac.cwMin
	mac.backoffSlots = -1
	mac.queue = make([]*macFrame, 0)
	mac.lastSeq = make(map[MacAddr]uint16)
	phy.listener = mac
	return mac
}

// enqueue accepts an IP packet for the link-layer destination 'dst'
func (mac *adhocMac) enqueue(evtMgr *evtm.EventManager, pkt *ipPacket, dst MacAddr) bool {
	if len(mac.queue) >= mac.maxQueue {
		mac.stats.QueueDrops += 1
		if mac.dropped != nil {
			mac.dropped(evtMgr, pkt, "mac-queue-full")
		}
		return false
	}
	frame := &macFrame{kind: dataFrame, src: mac.addr, dst: dst, mode: mac.dataMode, payload: pkt}
	mac.queue = append(mac.queue, frame)
	if mac.state == macIdle {
		mac.startNext(evtMgr)
	}
	return true
}

func (mac *adhocMac) queueLen() int {
	return len(mac.queue)
}

// startNext takes the head of the queue into service
func (mac *adhocMac) startNext(evtMgr *evtm.EventManager) {
	if len(mac.queue) == 0 {
		mac.cur = nil
		mac.state = macIdle
		return
	}
	mac.cur = mac.queue[0]
	mac.queue = mac.queue[1:]
	mac.seq += 1
	mac.cur.seq = mac.seq & 0x0fff
	mac.shortRetries = 0
	mac.longRetries = 0
	mac.usedRts = false
	mac.state = macContend

	now := evtMgr.CurrentSeconds()
	if mac.backoffSlots < 0 {
		// a frame meeting a medium idle for DIFS goes out at once
		if mac.channelClear() && now-mac.idleSince() >= mac.difs {
			mac.backoffSlots = -1
			mac.transmitCurrent(evtMgr)
			return
		}
		mac.backoffSlots = mac.drawBackoff()
	}
	mac.resumeAccess(evtMgr)
}

func (mac *adhocMac) drawBackoff() int {
	return mac.rngstrm.RandInt(0, mac.cw)
}

func (mac *adhocMac) channelClear() bool {
	return !mac.phy.busy && !mac.navBusy && !mac.responding
}

// idleSince is the time from which the medium has been idle, physically and virtually
func (mac *adhocMac) idleSince() float64 {
	return math.Max(mac.phy.idleFrom, mac.nav)
}

// resumeAccess starts (or restarts) the DIFS + backoff countdown
func (mac *adhocMac) resumeAccess(evtMgr *evtm.EventManager) {
	if mac.state != macContend || !mac.channelClear() {
		return
	}
	now := evtMgr.CurrentSeconds()
	mac.countdownFrom = mac.idleSince() + mac.difs
	wait := mac.countdownFrom + float64(mac.backoffSlots)*mac.slot - now
	if wait < 0 {
		wait = 0
	}
	mac.countingDown = true
	mac.accessToken += 1
	evtMgr.Schedule(mac, mac.accessToken, macAccessGranted, vrtime.SecondsToTime(wait))
}

// pauseAccess freezes the backoff counter, keeping the slots already counted
func (mac *adhocMac) pauseAccess(evtMgr *evtm.EventManager) {
	if !mac.countingDown {
		return
	}
	elapsed := evtMgr.CurrentSeconds() - mac.countdownFrom
	if elapsed > 0 {
		consumed := int(elapsed / mac.slot)
		mac.backoffSlots = max(0, mac.backoffSlots-consumed)
	}
	mac.countingDown = false
	mac.accessToken += 1
}

func macAccessGranted(evtMgr *evtm.EventManager, context any, data any) any {
	mac := context.(*adhocMac)
	token := data.(int)
	if token != mac.accessToken || mac.state != macContend {
		return nil
	}
	mac.countingDown = false
	mac.backoffSlots = -1
	mac.transmitCurrent(evtMgr)
	return nil
}

// transmitCurrent starts the frame exchange for the frame in service
func (mac *adhocMac) transmitCurrent(evtMgr *evtm.EventManager) {
	frame := mac.cur
	if frame.dst.IsBroadcast() {
		frame.duration = 0
		mac.state = macTxData
		mac.stats.TxData += 1
		mac.phy.transmit(evtMgr, frame)
		return
	}

	if frame.size() > mac.rtsCtsThreshold {
		ctsTime := mac.ctrlMode.airtime(ctsSize)
		ackTime := mac.ctrlMode.airtime(ackSize)
		dataTime := frame.mode.airtime(frame.size())
		rts := &macFrame{kind: rtsFrame, src: mac.addr, dst: frame.dst, mode: mac.ctrlMode,
			duration: 3*mac.sifs + ctsTime + dataTime + ackTime}
		mac.state = macTxRts
		mac.stats.TxCtrl += 1
		mac.phy.transmit(evtMgr, rts)
		return
	}
	mac.sendData(evtMgr)
}

func (mac *adhocMac) sendData(evtMgr *evtm.EventManager) {
	frame := mac.cur
	frame.duration = mac.sifs + mac.ctrlMode.airtime(ackSize)
	frame.retry = mac.shortRetries+mac.longRetries > 0
	mac.state = macTxData
	mac.stats.TxData += 1
	mac.phy.transmit(evtMgr, frame)
}

func macSendDataAfterCts(evtMgr *evtm.EventManager, context any, data any) any {
	mac := context.(*adhocMac)
	if mac.cur == nil || mac.state != macTxData {
		return nil
	}
	mac.sendData(evtMgr)
	return nil
}

// txDone is called by the PHY when the last bit of a frame has left
func (mac *adhocMac) txDone(evtMgr *evtm.EventManager, frame *macFrame) {
	switch frame.kind {
	case rtsFrame:
		if mac.state != macTxRts {
			return
		}
		mac.state = macWaitCts
		mac.respToken += 1
		timeout := mac.sifs + mac.slot + mac.ctrlMode.airtime(ctsSize) + propMargin
		evtMgr.Schedule(mac, mac.respToken, macResponseTimeout, vrtime.SecondsToTime(timeout))
	case dataFrame:
		if frame != mac.cur {
			return
		}
		if frame.dst.IsBroadcast() {
			mac.txSucceeded(evtMgr)
			return
		}
		mac.state = macWaitAck
		mac.respToken += 1
		timeout := mac.sifs + mac.slot + mac.ctrlMode.airtime(ackSize) + propMargin
		evtMgr.Schedule(mac, mac.respToken, macResponseTimeout, vrtime.SecondsToTime(timeout))
	case ctsFrame, ackFrame:
		mac.responding = false
	}
}

func macResponseTimeout(evtMgr *evtm.EventManager, context any, data any) any {
	mac := context.(*adhocMac)
	token := data.(int)
	if token != mac.respToken {
		return nil
	}
	switch mac.state {
	case macWaitCts:
		mac.retry(evtMgr, false)
	case macWaitAck:
		mac.retry(evtMgr, mac.usedRts)
	}
	return nil
}

// retry doubles the contention window and schedules another attempt, or
// drops the frame once the applicable retry limit is reached
func (mac *adhocMac) retry(evtMgr *evtm.EventManager, long bool) {
	mac.stats.Retries += 1
	if long {
		mac.longRetries += 1
	} else {
		mac.shortRetries += 1
	}
	if mac.shortRetries >= mac.shortRetryLimit || mac.longRetries >= mac.longRetryLimit {
		mac.stats.RetryDrops += 1
		if mac.dropped != nil {
			mac.dropped(evtMgr, mac.cur.payload, "mac-retry-limit")
		}
		mac.finishCurrent(evtMgr)
		return
	}
	mac.cw = min(2*mac.cw+1, mac.cwMax)
	mac.backoffSlots = mac.drawBackoff()
	mac.usedRts = false
	mac.state = macContend
	mac.resumeAccess(evtMgr)
}

func (mac *adhocMac) txSucceeded(evtMgr *evtm.EventManager) {
	mac.finishCurrent(evtMgr)
}

// finishCurrent releases the frame in service, draws the post-transmission
// backoff and moves on to the next queued frame
func (mac *adhocMac) finishCurrent(evtMgr *evtm.EventManager) {
	mac.respToken += 1
	mac.cw = mac.cwMin
	mac.backoffSlots = mac.drawBackoff()
	mac.cur = nil
	mac.state = macIdle
	mac.startNext(evtMgr)
}

// rxOk is called by the PHY for every frame received without error
func (mac *adhocMac) rxOk(evtMgr *evtm.EventManager, frame *macFrame, sinrDb float64) {
	now := evtMgr.CurrentSeconds()
	if frame.dst != mac.addr && !frame.dst.IsBroadcast() {
		mac.setNav(evtMgr, now+frame.duration)
		return
	}

	switch frame.kind {
	case dataFrame:
		if frame.dst.IsBroadcast() {
			mac.stats.RxData += 1
			mac.deliverUp(evtMgr, frame)
			return
		}
		mac.sendResponse(evtMgr, ackFrame, frame.src, 0)
		last, seen := mac.lastSeq[frame.src]
		if seen && frame.retry && last == frame.seq {
			return
		}
		mac.lastSeq[frame.src] = frame.seq
		mac.stats.RxData += 1
		mac.deliverUp(evtMgr, frame)

	case rtsFrame:
		if mac.navBusy || mac.responding || mac.state == macWaitCts || mac.state == macWaitAck ||
			mac.state == macTxData || mac.state == macTxRts {
			return
		}
		dur := frame.duration - mac.sifs - mac.ctrlMode.airtime(ctsSize)
		mac.sendResponse(evtMgr, ctsFrame, frame.src, math.Max(dur, 0))

	case ctsFrame:
		if mac.state != macWaitCts || mac.cur == nil || frame.src != mac.cur.dst {
			return
		}
		mac.respToken += 1
		mac.usedRts = true
		mac.state = macTxData
		evtMgr.Schedule(mac, nil, macSendDataAfterCts, vrtime.SecondsToTime(mac.sifs))

	case ackFrame:
		if mac.state != macWaitAck || mac.cur == nil || frame.src != mac.cur.dst {
			return
		}
		mac.txSucceeded(evtMgr)
	}
}

func (mac *adhocMac) deliverUp(evtMgr *evtm.EventManager, frame *macFrame) {
	if mac.deliver != nil {
		mac.deliver(evtMgr, frame.payload, frame.src)
	}
}

// sendResponse sends a CTS or ACK one SIFS from now, without carrier sensing
func (mac *adhocMac) sendResponse(evtMgr *evtm.EventManager, kind frameKind, dst MacAddr, duration float64) {
	resp := &macFrame{kind: kind, src: mac.addr, dst: dst, mode: mac.ctrlMode, duration: duration}
	mac.responding = true
	mac.pauseAccess(evtMgr)
	evtMgr.Schedule(mac, resp, macRespond, vrtime.SecondsToTime(mac.sifs))
}

func macRespond(evtMgr *evtm.EventManager, context any, data any) any {
	mac := context.(*adhocMac)
	resp := data.(*macFrame)
	mac.stats.TxCtrl += 1
	mac.phy.transmit(evtMgr, resp)
	return nil
}

// setNav extends the virtual carrier sense
func (mac *adhocMac) setNav(evtMgr *evtm.EventManager, until float64) {
	now := evtMgr.CurrentSeconds()
	if until <= mac.nav || until <= now {
		return
	}
	mac.nav = until
	mac.navBusy = true
	mac.navToken += 1
	mac.pauseAccess(evtMgr)
	evtMgr.Schedule(mac, mac.navToken, macNavExpired, vrtime.SecondsToTime(until-now))
}

func macNavExpired(evtMgr *evtm.EventManager, context any, data any) any {
	mac := context.(*adhocMac)
	if data.(int) != mac.navToken {
		return nil
	}
	mac.navBusy = false
	mac.resumeAccess(evtMgr)
	return nil
}

func (mac *adhocMac) mediumBusy(evtMgr *evtm.EventManager) {
	mac.pauseAccess(evtMgr)
}

func (mac *adhocMac) mediumIdle(evtMgr *evtm.EventManager) {
	mac.resumeAccess(evtMgr)
}
