package manet

// manet.go has the code that builds and runs a scenario: the scenario
// options, run-time parameter overrides, and the Experiment whose steps
// create the nodes, their devices, the internet stack and the ping apps.

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/iti/evt/evtm"
	"github.com/iti/rngstream"
	"github.com/rs/xid"
	"github.com/spf13/pflag"
	"golang.org/x/exp/slices"
)

// the routing protocols a scenario can run
const (
	ProtoDsdv = "dsdv"
	ProtoOlsr = "olsr"
)

// seed of the random number streams, the package default of rngstream
const defaultSeed = 12345

// A valueStruct type holds three different types a value might have,
// typically only one of these is used, and which one is known by context
type valueStruct struct {
	intValue    int
	floatValue  float64
	stringValue string
	boolValue   bool
}

// stringToValueStruct takes a string (used in the run-time configuration phase)
// and determines whether it is an integer, floating point, or a string
func stringToValueStruct(v string) valueStruct {
	vs := valueStruct{intValue: 0, floatValue: 0.0, stringValue: "", boolValue: false}

	// try conversion to int
	ivalue, ierr := strconv.Atoi(v)
	if ierr == nil {
		vs.intValue = ivalue
		vs.floatValue = float64(ivalue)
		return vs
	}

	// failing that, try conversion to float
	fvalue, ferr := strconv.ParseFloat(v, 64)
	if ferr == nil {
		vs.floatValue = fvalue
		return vs
	}

	// left with it being a string.  See if true, True
	if v == "true" || v == "True" {
		vs.boolValue = true
		return vs
	}

	vs.stringValue = v
	return vs
}

// paramObj is anything an ExpParameter can configure
type paramObj interface {
	paramObjName() string
	setParam(string, valueStruct) error
}

// setModelParameters applies every parameter to the object it names,
// in the order given, so a later value for the same parameter wins
func setModelParameters(params []ExpParameter, objs ...paramObj) error {
	byName := make(map[string]paramObj)
	for _, obj := range objs {
		byName[obj.paramObjName()] = obj
	}
	errs := make([]error, 0)
	for _, param := range params {
		if err := ValidateParameter(param.ParamObj, param.Attribute, param.Param); err != nil {
			errs = append(errs, err)
			continue
		}
		obj, present := byName[param.ParamObj]
		if !present {
			continue
		}
		errs = append(errs, obj.setParam(param.Param, stringToValueStruct(param.Value)))
	}
	return ReportErrs(errs)
}

// WifiConfig holds the attributes of every wifi device of a scenario
type WifiConfig struct {
	DataMode                 string  `json:"datamode" yaml:"datamode"`
	RtsCtsThreshold          int     `json:"rtsctsthreshold" yaml:"rtsctsthreshold"`
	RxNoiseFigure            float64 `json:"rxnoisefigure" yaml:"rxnoisefigure"`
	EnergyDetectionThreshold float64 `json:"energydetectionthreshold" yaml:"energydetectionthreshold"`
	CcaMode1Threshold        float64 `json:"ccamode1threshold" yaml:"ccamode1threshold"`
}

// DefaultWifiConfig gives the attribute defaults
func DefaultWifiConfig() WifiConfig {
	return WifiConfig{DataMode: "OfdmRate6Mbps", RtsCtsThreshold: 0, RxNoiseFigure: 7.0,
		EnergyDetectionThreshold: -96.0, CcaMode1Threshold: -99.0}
}

func (wc *WifiConfig) paramObjName() string {
	return "Wifi"
}

func (wc *WifiConfig) setParam(paramType string, value valueStruct) error {
	switch paramType {
	case "DataMode":
		if _, err := LookupWifiMode(value.stringValue); err != nil {
			return err
		}
		wc.DataMode = value.stringValue
	case "RtsCtsThreshold":
		wc.RtsCtsThreshold = value.intValue
	case "RxNoiseFigure":
		wc.RxNoiseFigure = value.floatValue
	case "EnergyDetectionThreshold":
		wc.EnergyDetectionThreshold = value.floatValue
	case "CcaMode1Threshold":
		wc.CcaMode1Threshold = value.floatValue
	default:
		return fmt.Errorf("unknown Wifi parameter %s", paramType)
	}
	return nil
}

// ExpParams holds the scenario options
type ExpParams struct {
	ExpName     string  `json:"expname" yaml:"expname"`
	TraceFile   string  `json:"tracefile" yaml:"tracefile"`
	LogFile     string  `json:"logfile" yaml:"logfile"`
	Pcap        bool    `json:"pcap" yaml:"pcap"`
	PrintRoutes bool    `json:"printroutes" yaml:"printroutes"`
	Size        int     `json:"size" yaml:"size"`
	Time        float64 `json:"time" yaml:"time"`
	TxpStart    float64 `json:"start" yaml:"start"`
	TxpEnd      float64 `json:"end" yaml:"end"`
	RoutesFile  string  `json:"routesfile" yaml:"routesfile"`
	PcapPrefix  string  `json:"pcapprefix" yaml:"pcapprefix"`
	TraceOut    string  `json:"traceout" yaml:"traceout"`
	TraceDB     string  `json:"tracedb" yaml:"tracedb"`
	Run         int     `json:"run" yaml:"run"`

	// Config names a scenario file and is never itself part of one
	Config string `json:"-" yaml:"-"`
}

// DefaultExpParams gives the option defaults
func DefaultExpParams() ExpParams {
	return ExpParams{Size: 11, Time: 3600.0, TxpStart: 25.78, TxpEnd: 25.78, Run: 1}
}

// BindFlags declares one flag per option, defaulting to the current values of 'p'
func BindFlags(fs *pflag.FlagSet, p *ExpParams) {
	fs.StringVar(&p.TraceFile, "traceFile", p.TraceFile, "Ns2 movement trace file")
	fs.StringVar(&p.LogFile, "logFile", p.LogFile, "Log file")
	fs.BoolVar(&p.Pcap, "pcap", p.Pcap, "Write PCAP traces.")
	fs.BoolVar(&p.PrintRoutes, "printRoutes", p.PrintRoutes, "Print routing table dumps.")
	fs.IntVar(&p.Size, "size", p.Size, "Number of nodes.")
	fs.Float64Var(&p.Time, "time", p.Time, "Simulation time, s.")
	fs.Float64Var(&p.TxpStart, "start", p.TxpStart, "Minimum transmission power level, dBm.")
	fs.Float64Var(&p.TxpEnd, "end", p.TxpEnd, "Maximum transmission power level, dBm.")
	fs.StringVar(&p.RoutesFile, "routesFile", p.RoutesFile, "Routing table dump file.")
	fs.StringVar(&p.PcapPrefix, "pcapPrefix", p.PcapPrefix, "Prefix of the pcap file names.")
	fs.StringVar(&p.Config, "config", p.Config, "Scenario file, yaml or json.")
	fs.StringVar(&p.TraceOut, "traceOut", p.TraceOut, "Packet trace file, yaml or json.")
	fs.StringVar(&p.TraceDB, "traceDB", p.TraceDB, "Packet trace SQLite database.")
	fs.IntVar(&p.Run, "run", p.Run, "Run number, selects independent random substreams.")
	fs.StringVar(&p.ExpName, "expName", p.ExpName, "Experiment name.")
}

// mergeFrom copies the options of 'q' whose flags were not given on the command line
func (p *ExpParams) mergeFrom(q *ExpParams, fs *pflag.FlagSet) {
	given := func(name string) bool {
		return fs != nil && fs.Changed(name)
	}
	if !given("traceFile") {
		p.TraceFile = q.TraceFile
	}
	if !given("logFile") {
		p.LogFile = q.LogFile
	}
	if !given("pcap") {
		p.Pcap = q.Pcap
	}
	if !given("printRoutes") {
		p.PrintRoutes = q.PrintRoutes
	}
	if !given("size") {
		p.Size = q.Size
	}
	if !given("time") {
		p.Time = q.Time
	}
	if !given("start") {
		p.TxpStart = q.TxpStart
	}
	if !given("end") {
		p.TxpEnd = q.TxpEnd
	}
	if !given("routesFile") {
		p.RoutesFile = q.RoutesFile
	}
	if !given("pcapPrefix") {
		p.PcapPrefix = q.PcapPrefix
	}
	if !given("traceOut") {
		p.TraceOut = q.TraceOut
	}
	if !given("traceDB") {
		p.TraceDB = q.TraceDB
	}
	if !given("run") {
		p.Run = q.Run
	}
	if !given("expName") {
		p.ExpName = q.ExpName
	}
}

func (p *ExpParams) validate() error {
	errs := make([]error, 0)
	if p.Size < 1 {
		errs = append(errs, fmt.Errorf("size %d must be at least 1", p.Size))
	}
	if !(p.Time > 0) {
		errs = append(errs, fmt.Errorf("time %v must be positive", p.Time))
	}
	if p.TxpEnd < p.TxpStart {
		errs = append(errs, fmt.Errorf("end power %v is below start power %v", p.TxpEnd, p.TxpStart))
	}
	if p.Run < 1 {
		errs = append(errs, fmt.Errorf("run %d must be at least 1", p.Run))
	}
	if _, err := CheckReadableFiles([]string{p.TraceFile}); err != nil {
		errs = append(errs, err)
	}
	if _, err := CheckOutputFiles([]string{p.LogFile, p.RoutesFile, p.TraceOut, p.TraceDB}); err != nil {
		errs = append(errs, err)
	}
	return ReportErrs(errs)
}

// Experiment is one scenario: its configuration, the network built from it
// and the outputs it writes
type Experiment struct {
	Proto  string
	Params ExpParams
	Wifi   WifiConfig
	Dsdv   DsdvConfig
	Olsr   OlsrConfig
	Ping   PingConfig

	evtMgr *evtm.EventManager
	net    *Network
	apps   []*PingApp

	traceMgr *TraceManager
	traceDB  *SQLiteTraceWriter

	posLog    *os.File
	posWriter *bufio.Writer
	routesOut *os.File
	routesW   *bufio.Writer

	out    io.Writer
	logger *slog.Logger
}

// NewExperiment is a constructor.  Console lines go to 'out'
func NewExperiment(proto string, out io.Writer, logger *slog.Logger) (*Experiment, error) {
	if proto != ProtoDsdv && proto != ProtoOlsr {
		return nil, fmt.Errorf("unknown routing protocol %q", proto)
	}
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	exp := new(Experiment)
	exp.Proto = proto
	exp.Params = DefaultExpParams()
	exp.Wifi = DefaultWifiConfig()
	exp.Dsdv = DefaultDsdvConfig()
	exp.Olsr = DefaultOlsrConfig()
	exp.Ping = DefaultPingConfig()
	exp.apps = make([]*PingApp, 0)
	exp.out = out
	exp.logger = logger.With("proto", proto)
	return exp, nil
}

// Configure parses command line arguments into the scenario options
func (exp *Experiment) Configure(args []string) error {
	fs := pflag.NewFlagSet(exp.Proto, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	BindFlags(fs, &exp.Params)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parsing arguments: %w", err)
	}
	return exp.ConfigureFlags(fs)
}

// ConfigureFlags finishes configuration once 'fs', bound with BindFlags to
// exp.Params, has been parsed.  A scenario file supplies the options not
// given as flags, and its parameter list overrides the attribute defaults
func (exp *Experiment) ConfigureFlags(fs *pflag.FlagSet) error {
	if exp.Params.Config != "" {
		desc, err := ReadScenarioDesc(exp.Params.Config, useYAMLFor(exp.Params.Config), nil)
		if err != nil {
			return err
		}
		exp.Params.mergeFrom(&desc.ExpParams, fs)
		err = setModelParameters(desc.Parameters, &exp.Wifi, &exp.Dsdv, &exp.Olsr, &exp.Ping)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", exp.Params.Config, err)
		}
	}
	if exp.Params.ExpName == "" {
		exp.Params.ExpName = exp.Proto + "-" + xid.New().String()
	}
	if exp.Params.PcapPrefix == "" {
		exp.Params.PcapPrefix = exp.Proto
	}
	if exp.Params.RoutesFile == "" {
		exp.Params.RoutesFile = map[string]string{ProtoDsdv: "MP_dsdv.routes", ProtoOlsr: "RDPZ_olsr.routes"}[exp.Proto]
	}

	errs := []error{exp.Params.validate(), exp.Dsdv.validate(), exp.Olsr.validate()}
	if _, err := LookupWifiMode(exp.Wifi.DataMode); err != nil {
		errs = append(errs, err)
	}
	return ReportErrs(errs)
}

// Network gives access to the network once nodes are created
func (exp *Experiment) Network() *Network {
	return exp.net
}

// EventManager gives access to the scheduler once nodes are created
func (exp *Experiment) EventManager() *evtm.EventManager {
	return exp.evtMgr
}

// Apps lists the ping apps installed
func (exp *Experiment) Apps() []*PingApp {
	return exp.apps
}

// CreateNodes makes the nodes, replays the mobility trace into their
// mobility models and logs every course change
func (exp *Experiment) CreateNodes() error {
	size := exp.Params.Size
	fmt.Fprintf(exp.out, "Creating %d nodes\n", size)

	exp.evtMgr = evtm.New()
	exp.net = createNetwork(exp.Params.ExpName, exp.logger)

	// streams of earlier runs are skipped so that every run draws from its own substreams
	for idx := 0; idx < (exp.Params.Run-1)*size; idx++ {
		rngstream.New(fmt.Sprintf("run-%d", idx))
	}

	models := make([]*MobilityModel, 0, size)
	for idx := 0; idx < size; idx++ {
		node := exp.net.addNode(fmt.Sprintf("node-%d", idx))
		models = append(models, node.mobility)
	}

	if err := exp.openTraceSinks(); err != nil {
		return err
	}

	if exp.Params.TraceFile == "" {
		exp.logger.Warn("no ns-2 trace file, nodes stay at the origin")
	} else {
		cmds, err := ReadNs2Trace(exp.Params.TraceFile, exp.logger)
		if err != nil {
			return err
		}
		InstallNs2Mobility(exp.evtMgr, cmds, models, exp.logger)
	}

	if exp.Params.LogFile != "" {
		f, err := os.Create(exp.Params.LogFile)
		if err != nil {
			return fmt.Errorf("opening position log: %w", err)
		}
		exp.posLog = f
		exp.posWriter = bufio.NewWriter(f)
		logCourse := CourseChangeLogger(exp.posWriter)
		for _, mm := range models {
			mm.AddCourseChangeListener(logCourse)
		}
	}
	return nil
}

func (exp *Experiment) openTraceSinks() error {
	if exp.Params.TraceOut != "" {
		exp.traceMgr = CreateTraceManager(exp.Params.ExpName, true)
		for _, node := range exp.net.nodes {
			exp.traceMgr.AddName(node.id, node.name, "node")
		}
		exp.net.AddTraceSink(exp.traceMgr)
	}
	if exp.Params.TraceDB != "" {
		exp.traceDB = NewSQLiteTraceWriter(exp.Params.TraceDB)
		if err := exp.traceDB.Init(); err != nil {
			return fmt.Errorf("opening trace database: %w", err)
		}
		exp.net.AddTraceSink(exp.traceDB)
	}
	return nil
}

// CreateDevices gives every node a wifi device on the shared channel
func (exp *Experiment) CreateDevices() error {
	if exp.net == nil {
		return fmt.Errorf("devices created before nodes")
	}
	mode, err := LookupWifiMode(exp.Wifi.DataMode)
	if err != nil {
		return err
	}
	for _, node := range exp.net.nodes {
		phy := createWifiPhy(exp.Params.TxpStart, exp.Params.TxpEnd, exp.Wifi.RxNoiseFigure)
		phy.edThreshold = exp.Wifi.EnergyDetectionThreshold
		phy.ccaThreshold = exp.Wifi.CcaMode1Threshold
		is := exp.net.createIntrfc(node, phy, mode, exp.Wifi.RtsCtsThreshold)
		if exp.Params.Pcap {
			pf, err := NewPcapFile(pcapFileName(exp.Params.PcapPrefix, node.id, is.number))
			if err != nil {
				return err
			}
			is.pcap = pf
		}
	}
	return nil
}

// InstallInternetStack addresses the devices, attaches the routing protocol
// and schedules the routing table dumps
func (exp *Experiment) InstallInternetStack() error {
	if exp.net == nil {
		return fmt.Errorf("internet stack installed before nodes")
	}
	prefix := netip.MustParsePrefix("10.0.0.0/24")
	if exp.Proto == ProtoOlsr {
		prefix = netip.MustParsePrefix("10.0.0.0/8")
	}
	if err := exp.net.assignAddresses(prefix); err != nil {
		return err
	}

	for _, node := range exp.net.nodes {
		switch exp.Proto {
		case ProtoDsdv:
			node.routing = CreateDsdvProtocol(node, exp.Dsdv)
		case ProtoOlsr:
			node.routing = CreateOlsrProtocol(node, exp.Olsr)
		}
		node.routing.Start(exp.evtMgr)
	}

	if exp.Params.PrintRoutes {
		f, err := os.Create(exp.Params.RoutesFile)
		if err != nil {
			return fmt.Errorf("opening routes file: %w", err)
		}
		exp.routesOut = f
		exp.routesW = bufio.NewWriter(f)
		for idx := 0; float64(idx) < exp.Params.Time/100.0; idx++ {
			exp.net.PrintRoutingTableAllAt(exp.evtMgr, float64(idx)*100.0, exp.routesW)
		}
	}
	return nil
}

// InstallApplications starts a ping from every node but the last toward the last
func (exp *Experiment) InstallApplications() error {
	if exp.net == nil {
		return fmt.Errorf("applications installed before nodes")
	}
	size := exp.net.NumNodes()
	remote := exp.net.NodeAddress(size - 1)
	for idx := 0; idx < size-1; idx++ {
		app, err := CreatePingApp(exp.net, idx, uint16(idx+1), remote, exp.Ping, exp.out)
		if err != nil {
			return err
		}
		app.Schedule(exp.evtMgr, 0.0, exp.Params.Time-0.001)
		exp.apps = append(exp.apps, app)
	}
	return nil
}

// Run builds the scenario and runs the simulation to its end time
func (exp *Experiment) Run() error {
	steps := []func() error{exp.CreateNodes, exp.CreateDevices, exp.InstallInternetStack, exp.InstallApplications}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	fmt.Fprintf(exp.out, "Starting simulation for %s s ...\n", fmtNum(exp.Params.Time))
	exp.evtMgr.Run(exp.Params.Time)
	exp.logger.Info("simulation finished", "t", exp.evtMgr.CurrentSeconds())
	return nil
}

// Report writes the ping and routing overhead summary
func (exp *Experiment) Report(w io.Writer) {
	fmt.Fprintf(w, "Experiment %s, run %d, seed %d\n", exp.Params.ExpName, exp.Params.Run, defaultSeed)
	if exp.net == nil {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "Node\tRemote\tSent\tReceived\tLoss%\tRtt avg ms\t")
	for _, app := range exp.apps {
		ps := app.Stats()
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\t\n", ps.Node, ps.Remote, ps.Sent, ps.Received, ps.LossPct, fmtPrec4(ps.AvgRtt))
	}
	tw.Flush()

	var total RoutingStats
	var ip ipStats
	for _, node := range exp.net.nodes {
		ip.Sent += node.stats.Sent
		ip.Delivered += node.stats.Delivered
		ip.Forwarded += node.stats.Forwarded
		ip.Dropped += node.stats.Dropped
		if node.routing == nil {
			continue
		}
		rs := node.routing.Stats()
		total.CtrlPckts += rs.CtrlPckts
		total.CtrlBytes += rs.CtrlBytes
		total.RcvdPckts += rs.RcvdPckts
	}
	fmt.Fprintf(w, "%s control overhead: %d packets, %d bytes sent, %d received\n",
		exp.Proto, total.CtrlPckts, total.CtrlBytes, total.RcvdPckts)
	fmt.Fprintf(w, "ip: %d sent, %d delivered, %d forwarded, %d dropped\n",
		ip.Sent, ip.Delivered, ip.Forwarded, ip.Dropped)
}

// Close flushes and closes the position log, the routes file, the pcap
// files and the trace outputs
func (exp *Experiment) Close() error {
	errs := make([]error, 0)
	if exp.posLog != nil {
		errs = append(errs, exp.posWriter.Flush(), exp.posLog.Close())
		exp.posLog = nil
	}
	if exp.routesOut != nil {
		errs = append(errs, exp.routesW.Flush(), exp.routesOut.Close())
		exp.routesOut = nil
	}
	if exp.net != nil {
		for _, node := range exp.net.nodes {
			if node.intrfc != nil && node.intrfc.pcap != nil {
				errs = append(errs, node.intrfc.pcap.Close())
				node.intrfc.pcap = nil
			}
		}
	}
	if exp.traceMgr != nil {
		errs = append(errs, exp.traceMgr.WriteToFile(exp.Params.TraceOut))
		exp.traceMgr = nil
	}
	if exp.traceDB != nil {
		errs = append(errs, exp.traceDB.Close())
		exp.traceDB = nil
	}
	errs = slices.DeleteFunc(errs, func(err error) bool { return err == nil })
	return ReportErrs(errs)
}
