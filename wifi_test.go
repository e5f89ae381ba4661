package manet

import (
	"math"
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/iti/rngstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupWifiMode(t *testing.T) {
	mode, err := LookupWifiMode("OfdmRate12Mbps")
	require.NoError(t, err)
	assert.Equal(t, 48, mode.ndbps)
	assert.Equal(t, "OfdmRate6Mbps", mode.controlMode().Name)

	dsss, err := LookupWifiMode("DsssRate11Mbps")
	require.NoError(t, err)
	assert.Equal(t, "DsssRate1Mbps", dsss.controlMode().Name)

	_, err = LookupWifiMode("OfdmRate7Mbps")
	assert.ErrorContains(t, err, "DsssRate11Mbps, DsssRate1Mbps")
}

func TestAirtime(t *testing.T) {
	ofdm := wifiModes["OfdmRate6Mbps"]
	// 16 service bits + 8*14 + 6 tail bits = 134 bits, 6 symbols
	assert.InDelta(t, 20e-6+6*4e-6, ofdm.airtime(ackSize), 1e-12)
	assert.InDelta(t, 20e-6+math.Ceil(float64(16+8*1000+6)/24.0)*4e-6, ofdm.airtime(1000), 1e-12)

	dsss := wifiModes["DsssRate1Mbps"]
	assert.InDelta(t, 192e-6+8*100e-6, dsss.airtime(100), 1e-12)
}

func TestPowerConversions(t *testing.T) {
	assert.InDelta(t, 1.0, dbmToMw(0), 1e-12)
	assert.InDelta(t, 20.0, mwToDbm(100), 1e-12)
	assert.InDelta(t, -93.0, mwToDbm(dbmToMw(-93.0)), 1e-9)
}

func TestPropagationLoss(t *testing.T) {
	pl := defaultPropagationLoss()
	assert.InDelta(t, 25.78-46.6777, pl.rxPower(25.78, 0.5), 1e-9)
	assert.InDelta(t, 25.78-46.6777-60.0, pl.rxPower(25.78, 100), 1e-9)

	// the weakest frame a 6 Mbps receiver with a 7 dB noise figure still decodes
	need := thermalNoiseDbm + 7.0 + wifiModes["OfdmRate6Mbps"].minSnrDb
	reach := pl.rangeFor(25.78, need)
	assert.InDelta(t, 201.0, reach, 1.0)
	assert.InDelta(t, need, pl.rxPower(25.78, reach), 1e-9)
	assert.Equal(t, pl.refDist, pl.rangeFor(0, 0))
}

type linkEnd struct {
	mac       *adhocMac
	delivered []*ipPacket
	dropped   []string
}

// newLinkEnds puts one static device per position on a fresh channel
func newLinkEnds(rtsCtsThreshold int, xs ...float64) []*linkEnd {
	ch := createWifiChannel()
	ends := make([]*linkEnd, 0, len(xs))
	for idx, x := range xs {
		phy := createWifiPhy(25.78, 25.78, 7.0)
		phy.staticPos = &Vector{X: x}
		ch.addPhy(phy)
		end := new(linkEnd)
		end.mac = createAdhocMac(macAddrFor(idx), phy, rngstream.New(macAddrFor(idx).String()),
			wifiModes["OfdmRate6Mbps"], rtsCtsThreshold)
		end.mac.deliver = func(evtMgr *evtm.EventManager, pkt *ipPacket, from MacAddr) {
			end.delivered = append(end.delivered, pkt)
		}
		end.mac.dropped = func(evtMgr *evtm.EventManager, pkt *ipPacket, reason string) {
			end.dropped = append(end.dropped, reason)
		}
		ends = append(ends, end)
	}
	return ends
}

func TestMacBroadcastAndUnicast(t *testing.T) {
	ends := newLinkEnds(2200, 0, 100)
	a, b := ends[0], ends[1]
	evtMgr := evtm.New()
	checkAt(evtMgr, 0.001, func(now float64) {
		assert.True(t, a.mac.enqueue(evtMgr, samplePacket(), BroadcastMac))
		assert.True(t, a.mac.enqueue(evtMgr, samplePacket(), b.mac.addr))
	})
	evtMgr.Run(1.0)

	assert.Len(t, b.delivered, 2)
	assert.Empty(t, a.dropped)
	assert.Equal(t, macStats{TxData: 2}, a.mac.stats)
	assert.Equal(t, macStats{RxData: 2, TxCtrl: 1}, b.mac.stats, "one ack for the unicast frame")
	assert.Equal(t, macIdle, a.mac.state)
}

func TestMacRtsCtsExchange(t *testing.T) {
	ends := newLinkEnds(0, 0, 100)
	a, b := ends[0], ends[1]
	evtMgr := evtm.New()
	checkAt(evtMgr, 0.001, func(now float64) {
		a.mac.enqueue(evtMgr, samplePacket(), b.mac.addr)
	})
	evtMgr.Run(1.0)

	require.Len(t, b.delivered, 1)
	assert.Equal(t, macStats{TxData: 1, TxCtrl: 1}, a.mac.stats)
	assert.Equal(t, macStats{RxData: 1, TxCtrl: 2}, b.mac.stats, "a cts and an ack")
}

func TestMacRetriesUntilDrop(t *testing.T) {
	ends := newLinkEnds(2200, 0, 1000)
	a, far := ends[0], ends[1]
	evtMgr := evtm.New()
	checkAt(evtMgr, 0.001, func(now float64) {
		a.mac.enqueue(evtMgr, samplePacket(), far.mac.addr)
	})
	evtMgr.Run(1.0)

	assert.Empty(t, far.delivered)
	assert.Equal(t, []string{"mac-retry-limit"}, a.dropped)
	assert.Equal(t, 7, a.mac.stats.Retries)
	assert.Equal(t, 7, a.mac.stats.TxData)
	assert.Equal(t, 1, a.mac.stats.RetryDrops)
	assert.Equal(t, a.mac.cwMin, a.mac.cw)
}

func TestMacQueueLimit(t *testing.T) {
	ends := newLinkEnds(2200, 0, 100)
	a := ends[0]
	a.mac.maxQueue = 2
	evtMgr := evtm.New()
	checkAt(evtMgr, 0.001, func(now float64) {
		for idx := 0; idx < 4; idx++ {
			a.mac.enqueue(evtMgr, samplePacket(), BroadcastMac)
		}
		assert.Equal(t, 2, a.mac.queueLen(), "one frame is in service")
	})
	evtMgr.Run(1.0)

	assert.Equal(t, 1, a.mac.stats.QueueDrops)
	assert.Equal(t, []string{"mac-queue-full"}, a.dropped)
	assert.Len(t, ends[1].delivered, 3)
}

func TestWifiConfigParameters(t *testing.T) {
	wc := DefaultWifiConfig()
	require.NoError(t, wc.setParam("DataMode", stringToValueStruct("DsssRate2Mbps")))
	require.NoError(t, wc.setParam("RtsCtsThreshold", stringToValueStruct("500")))
	require.NoError(t, wc.setParam("RxNoiseFigure", stringToValueStruct("5.5")))
	assert.Equal(t, "DsssRate2Mbps", wc.DataMode)
	assert.Equal(t, 500, wc.RtsCtsThreshold)
	assert.Equal(t, 5.5, wc.RxNoiseFigure)

	assert.Error(t, wc.setParam("DataMode", stringToValueStruct("OfdmRate7Mbps")))
	assert.Equal(t, "DsssRate2Mbps", wc.DataMode)
	assert.Error(t, wc.setParam("TxGain", stringToValueStruct("1")))
}

// airFrame is a broadcast data frame put on the air straight through a PHY
func airFrame(src MacAddr) *macFrame {
	return &macFrame{kind: dataFrame, src: src, dst: BroadcastMac, mode: wifiModes["OfdmRate6Mbps"], payload: samplePacket()}
}

func TestPhyLosesFrameToInterference(t *testing.T) {
	ends := newLinkEnds(2200, 0, 100, 200)
	a, b, c := ends[0], ends[1], ends[2]
	evtMgr := evtm.New()
	checkAt(evtMgr, 0.001, func(now float64) {
		a.mac.phy.transmit(evtMgr, airFrame(a.mac.addr))
		c.mac.phy.transmit(evtMgr, airFrame(c.mac.addr))
	})
	checkAt(evtMgr, 0.0011, func(now float64) {
		require.NotNil(t, b.mac.phy.rx)
		sinr := b.mac.phy.rx.rxDbm - mwToDbm(b.mac.phy.noiseMw+b.mac.phy.rx.maxInterfMw)
		assert.Less(t, sinr, wifiModes["OfdmRate6Mbps"].minSnrDb)
	})
	checkAt(evtMgr, 0.01, func(now float64) {
		assert.Empty(t, b.delivered, "equal power frames from both sides")
		a.mac.phy.transmit(evtMgr, airFrame(a.mac.addr))
	})
	evtMgr.Run(1.0)

	assert.Len(t, b.delivered, 1, "the same frame alone gets through")
	assert.Equal(t, 1, b.mac.stats.RxData)
}

func TestTransmitAbortsReception(t *testing.T) {
	ends := newLinkEnds(2200, 0, 100)
	a, b := ends[0], ends[1]
	evtMgr := evtm.New()
	checkAt(evtMgr, 0.001, func(now float64) {
		a.mac.phy.transmit(evtMgr, airFrame(a.mac.addr))
	})
	checkAt(evtMgr, 0.00105, func(now float64) {
		inProgress := b.mac.phy.rx
		require.NotNil(t, inProgress)
		b.mac.phy.transmit(evtMgr, airFrame(b.mac.addr))
		assert.True(t, inProgress.aborted)
		assert.Nil(t, b.mac.phy.rx)
	})
	evtMgr.Run(1.0)

	assert.Empty(t, b.delivered)
	assert.Empty(t, a.delivered, "a was still sending when b's frame arrived")
}

func TestNavDefersOverhearingNode(t *testing.T) {
	ends := newLinkEnds(0, 0, 100, -50)
	a, b, c := ends[0], ends[1], ends[2]
	evtMgr := evtm.New()
	checkAt(evtMgr, 0.001, func(now float64) {
		a.mac.enqueue(evtMgr, samplePacket(), b.mac.addr)
	})
	// c has heard the rts, b's cts has not started yet
	checkAt(evtMgr, 0.00106, func(now float64) {
		assert.False(t, c.mac.phy.busy)
		assert.True(t, c.mac.navBusy)
		assert.Greater(t, c.mac.nav, now)
		assert.False(t, c.mac.channelClear())

		c.mac.enqueue(evtMgr, samplePacket(), BroadcastMac)
		assert.Equal(t, macContend, c.mac.state)
		assert.False(t, c.mac.countingDown)
		assert.Equal(t, 0, c.mac.stats.TxData)
	})
	evtMgr.Run(1.0)

	assert.False(t, c.mac.navBusy)
	assert.Equal(t, 1, c.mac.stats.TxData)
	assert.Equal(t, 0, a.mac.stats.Retries)
	assert.Len(t, b.delivered, 2)
}

func TestMacSuppressesRetriedDuplicates(t *testing.T) {
	ends := newLinkEnds(2200, 0, 100)
	a, b := ends[0], ends[1]
	unicast := func(src MacAddr, seq uint16, retry bool) *macFrame {
		return &macFrame{kind: dataFrame, src: src, dst: b.mac.addr, seq: seq, retry: retry,
			mode: wifiModes["OfdmRate6Mbps"], payload: samplePacket()}
	}
	evtMgr := evtm.New()
	checkAt(evtMgr, 0.001, func(now float64) {
		b.mac.rxOk(evtMgr, unicast(a.mac.addr, 9, false), 20.0)
	})
	checkAt(evtMgr, 0.002, func(now float64) {
		b.mac.rxOk(evtMgr, unicast(a.mac.addr, 9, true), 20.0)
		assert.Len(t, b.delivered, 1)
	})
	checkAt(evtMgr, 0.003, func(now float64) {
		b.mac.rxOk(evtMgr, unicast(a.mac.addr, 10, true), 20.0)
	})
	checkAt(evtMgr, 0.004, func(now float64) {
		b.mac.rxOk(evtMgr, unicast(macAddrFor(2), 10, true), 20.0)
	})
	evtMgr.Run(1.0)

	assert.Len(t, b.delivered, 3)
	assert.Equal(t, 3, b.mac.stats.RxData)
	assert.Equal(t, 4, b.mac.stats.TxCtrl, "duplicates are acked all the same")
}

func TestBackoffFreezesWhileMediumBusy(t *testing.T) {
	ends := newLinkEnds(2200, 0, 100)
	a, b := ends[0], ends[1]
	evtMgr := evtm.New()
	checkAt(evtMgr, 0.001, func(now float64) {
		b.mac.phy.transmit(evtMgr, airFrame(b.mac.addr))
	})
	checkAt(evtMgr, 0.0011, func(now float64) {
		require.True(t, a.mac.phy.busy)
		a.mac.backoffSlots = 10
		a.mac.enqueue(evtMgr, samplePacket(), BroadcastMac)
		assert.False(t, a.mac.countingDown)
	})
	// two slots into the countdown that began a DIFS after the medium went idle
	checkAt(evtMgr, 0.00124, func(now float64) {
		assert.True(t, a.mac.countingDown)
		b.mac.phy.transmit(evtMgr, airFrame(b.mac.addr))
	})
	checkAt(evtMgr, 0.00135, func(now float64) {
		assert.False(t, a.mac.countingDown)
		assert.Equal(t, 8, a.mac.backoffSlots)
		assert.Equal(t, 0, a.mac.stats.TxData)
	})
	evtMgr.Run(1.0)

	assert.Equal(t, 1, a.mac.stats.TxData)
	assert.Len(t, b.delivered, 1)
	assert.Len(t, a.delivered, 2)
}
