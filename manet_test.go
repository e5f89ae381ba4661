package manet

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// chainTrace places 'size' nodes on the x axis, 'spacing' meters apart
func chainTrace(size int, spacing float64) string {
	var sb strings.Builder
	for idx := 0; idx < size; idx++ {
		fmt.Fprintf(&sb, "$node_(%d) set X_ %g\n", idx, float64(idx)*spacing)
		fmt.Fprintf(&sb, "$node_(%d) set Y_ 0.0\n", idx)
	}
	return sb.String()
}

var _ = Describe("Experiment", func() {
	var (
		dir string
		out *bytes.Buffer
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		out = new(bytes.Buffer)
	})

	Context("a four node DSDV chain", func() {
		var exp *Experiment

		BeforeEach(func() {
			var err error
			exp, err = NewExperiment(ProtoDsdv, out, quietLogger())
			Expect(err).NotTo(HaveOccurred())
			Expect(exp.Configure([]string{"--size", "4", "--time", "30", "--expName", "chain",
				"--printRoutes", "--routesFile", filepath.Join(dir, "MP_dsdv.routes"),
				"--traceOut", filepath.Join(dir, "trace.yaml"), "--logFile", filepath.Join(dir, "pos.log"),
				"--pcap", "--pcapPrefix", filepath.Join(dir, "MP_dsdv")})).To(Succeed())

			Expect(exp.CreateNodes()).To(Succeed())
			for idx, node := range exp.Network().nodes {
				node.mobility.setInitial('X', float64(idx)*150.0)
			}
			Expect(exp.CreateDevices()).To(Succeed())
			Expect(exp.InstallInternetStack()).To(Succeed())
			Expect(exp.InstallApplications()).To(Succeed())
			exp.EventManager().Run(exp.Params.Time)
		})

		AfterEach(func() {
			Expect(exp.Close()).To(Succeed())
		})

		It("should only see its chain neighbors", func() {
			net := exp.Network()
			Expect(net.IdealHops(0, 0)).To(Equal(map[int]int{1: 1, 2: 2, 3: 3}))
			path, err := net.IdealPath(0, 0, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal("node-0,node-1,node-2,node-3"))
		})

		It("should learn multi-hop routes to the last node", func() {
			net := exp.Network()
			last := net.NodeAddress(3)
			for idx := 0; idx < 3; idx++ {
				dp := net.nodes[idx].routing.(*DsdvProtocol)
				rt, ok := dp.lookup(last)
				Expect(ok).To(BeTrue(), "node %d", idx)
				Expect(rt.hops).To(Equal(uint32(3 - idx)))
				Expect(rt.nextHop).To(Equal(net.NodeAddress(idx + 1)))
			}
		})

		It("should deliver pings across the chain", func() {
			Expect(exp.Apps()).To(HaveLen(3))
			for _, app := range exp.Apps() {
				ps := app.Stats()
				Expect(ps.Sent).To(BeNumerically(">=", 29))
				Expect(ps.Received).To(BeNumerically(">=", ps.Sent/2))
				Expect(ps.Remote).To(Equal("10.0.0.4"))
			}
			Expect(out.String()).To(ContainSubstring("Creating 4 nodes"))
			Expect(out.String()).To(ContainSubstring("PING  10.0.0.4 56(84) bytes of data."))
			Expect(out.String()).To(MatchRegexp(`64 bytes from 10\.0\.0\.4: icmp_seq=\d+ ttl=62 time=\d+ ms`))
			Expect(out.String()).To(ContainSubstring("--- 10.0.0.4 ping statistics ---"))
		})

		It("should report and write its outputs", func() {
			var report bytes.Buffer
			exp.Report(&report)
			Expect(report.String()).To(HavePrefix("Experiment chain, run 1, seed 12345\n"))
			Expect(report.String()).To(ContainSubstring("dsdv control overhead"))

			Expect(exp.Close()).To(Succeed())
			routes, err := os.ReadFile(filepath.Join(dir, "MP_dsdv.routes"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(routes)).To(ContainSubstring("Node: 3, Time: +0s, Local time: +0s, DSDV Routing table"))

			trace, err := os.ReadFile(filepath.Join(dir, "trace.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(trace)).To(ContainSubstring("expname: chain"))

			_, err = os.Stat(filepath.Join(dir, "pos.log"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should capture decodable 802.11 frames on every device", func() {
			Expect(exp.Close()).To(Succeed())
			for idx := 0; idx < 4; idx++ {
				f, err := os.Open(filepath.Join(dir, fmt.Sprintf("MP_dsdv-%d-0.pcap", idx)))
				Expect(err).NotTo(HaveOccurred())
				defer f.Close()
				r, err := pcapgo.NewReader(f)
				Expect(err).NotTo(HaveOccurred())
				Expect(r.LinkType()).To(Equal(layers.LinkTypeIEEE802_11))

				frames, icmps := 0, 0
				for {
					data, _, err := r.ReadPacketData()
					if err != nil {
						break
					}
					frames += 1
					if data[0] != 0x08 {
						continue
					}
					pkt := gopacket.NewPacket(data[24:], layers.LayerTypeLLC, gopacket.Default)
					Expect(pkt.ErrorLayer()).To(BeNil())
					Expect(pkt.Layer(layers.LayerTypeIPv4)).NotTo(BeNil())
					if pkt.Layer(layers.LayerTypeICMPv4) != nil {
						icmps += 1
					}
				}
				Expect(frames).To(BeNumerically(">", 0), "node %d", idx)
				Expect(icmps).To(BeNumerically(">", 0), "node %d", idx)
			}
		})
	})

	Context("a four node OLSR chain read from an ns-2 trace", func() {
		var exp *Experiment

		BeforeEach(func() {
			traceFile := filepath.Join(dir, "chain.ns_movements")
			Expect(os.WriteFile(traceFile, []byte(chainTrace(4, 150.0)), 0o644)).To(Succeed())

			var err error
			exp, err = NewExperiment(ProtoOlsr, out, quietLogger())
			Expect(err).NotTo(HaveOccurred())
			Expect(exp.Configure([]string{"--size", "4", "--time", "40", "--traceFile", traceFile,
				"--routesFile", filepath.Join(dir, "RDPZ_olsr.routes")})).To(Succeed())
			Expect(exp.Run()).To(Succeed())
		})

		AfterEach(func() {
			Expect(exp.Close()).To(Succeed())
		})

		It("should print the start banner", func() {
			Expect(out.String()).To(ContainSubstring("Creating 4 nodes"))
			Expect(out.String()).To(ContainSubstring("Starting simulation for 40 s ..."))
		})

		It("should route to the last node through the MPRs", func() {
			net := exp.Network()
			Expect(net.NodeAddress(3).String()).To(Equal("10.0.0.4"))
			op := net.nodes[0].routing.(*OlsrProtocol)
			rt := op.routes[net.NodeAddress(3)]
			Expect(rt).NotTo(BeNil())
			Expect(rt.distance).To(Equal(3))
			Expect(rt.nextHop).To(Equal(net.NodeAddress(1)))

			middle := net.nodes[1].routing.(*OlsrProtocol)
			Expect(middle.state.mprSet).To(HaveKey(net.NodeAddress(2)))
		})

		It("should deliver pings once routes converge", func() {
			for _, app := range exp.Apps() {
				ps := app.Stats()
				Expect(ps.Received).To(BeNumerically(">", 0))
				Expect(ps.Received).To(BeNumerically("<=", ps.Sent))
			}
			_, err := os.Stat(filepath.Join(dir, "RDPZ_olsr.routes"))
			Expect(os.IsNotExist(err)).To(BeTrue(), "no dumps without --printRoutes")
		})
	})
})
