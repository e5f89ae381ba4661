package manet

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// NameType is a an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// NetTrace saves information about the visit of a packet to some point in the simulation,
// saved for post-run analysis
type NetTrace struct {
	Time     float64 `json:"time" yaml:"time"`         // time in float64
	Ticks    int64   `json:"ticks" yaml:"ticks"`       // ticks variable of time
	Priority int64   `json:"priority" yaml:"priority"` // priority field of time-stamp
	NodeID   int     `json:"nodeid" yaml:"nodeid"`     // node where the event happened
	Op       string  `json:"op" yaml:"op"`             // "tx", "rx", "fwd", "drop", "queue"
	Proto    string  `json:"proto" yaml:"proto"`       // "icmp", "dsdv", "olsr", "udp"
	Src      string  `json:"src" yaml:"src"`
	Dst      string  `json:"dst" yaml:"dst"`
	PcktID   int     `json:"pcktid" yaml:"pcktid"` // IPv4 identification field
	Size     int     `json:"size" yaml:"size"`     // IPv4 length, bytes
	TTL      int     `json:"ttl" yaml:"ttl"`
	Reason   string  `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Serialize renders the record as yaml
func (ntr *NetTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*ntr)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// TraceSink is anything that accepts packet trace records
type TraceSink interface {
	AddNetTrace(ntr *NetTrace)
}

// TraceManager is used to gather information about a simulation model and an execution of that model
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, by node id
	Traces map[int][]NetTrace `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]NetTrace)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddNetTrace stores the record under the node it names
func (tm *TraceManager) AddNetTrace(ntr *NetTrace) {
	if !tm.InUse {
		return
	}
	tm.Traces[ntr.NodeID] = append(tm.Traces[ntr.NodeID], *ntr)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		_, present := tm.NameByID[id]
		if present {
			panic("duplicated id in AddName")
		}
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// NumTraces is the number of records gathered
func (tm *TraceManager) NumTraces() int {
	cnt := 0
	for _, trcs := range tm.Traces {
		cnt += len(trcs)
	}
	return cnt
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.InUse {
		return nil
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*tm)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	} else {
		return fmt.Errorf("trace file %s needs a .yaml or .json extension", filename)
	}

	if merr != nil {
		return merr
	}

	return os.WriteFile(filename, bytes, 0644)
}

// createNetTrace fills in a record for packet 'pkt' seen at node 'nodeID'
func createNetTrace(vrt vrtime.Time, nodeID int, op string, pkt *ipPacket, reason string) *NetTrace {
	ntr := new(NetTrace)
	ntr.Time = vrt.Seconds()
	ntr.Ticks = vrt.Ticks()
	ntr.Priority = vrt.Pri()
	ntr.NodeID = nodeID
	ntr.Op = op
	ntr.Reason = reason
	if pkt != nil {
		ntr.Proto = pkt.protoName()
		ntr.Src = pkt.src.String()
		ntr.Dst = pkt.dst.String()
		ntr.PcktID = int(pkt.id)
		ntr.Size = pkt.length()
		ntr.TTL = int(pkt.ttl)
	}
	return ntr
}
