package manet

// mobility.go replays ns-2 movement traces.  Each node carries a
// constant-velocity model whose course is changed by the trace statements
// at their scheduled times; every change is announced to the registered
// course-change listeners.

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// Vector is a position or a velocity, in meters or meters per second
type Vector struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

func (v Vector) distance(w Vector) float64 {
	dx, dy, dz := v.X-w.X, v.Y-w.Y, v.Z-w.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// CourseChangeFunc is called whenever a node's position or velocity is changed
type CourseChangeFunc func(evtMgr *evtm.EventManager, mm *MobilityModel)

// MobilityModel is a constant-velocity model: the position moves linearly
// from 'pos' at time 't0' with velocity 'vel'
type MobilityModel struct {
	NodeID    int
	pos       Vector
	vel       Vector
	t0        float64
	stopToken int
	listeners []CourseChangeFunc
}

func createMobilityModel(nodeID int) *MobilityModel {
	mm := new(MobilityModel)
	mm.NodeID = nodeID
	mm.listeners = make([]CourseChangeFunc, 0)
	return mm
}

// Position returns where the node is at time 'now'
func (mm *MobilityModel) Position(now float64) Vector {
	dt := now - mm.t0
	return Vector{X: mm.pos.X + mm.vel.X*dt, Y: mm.pos.Y + mm.vel.Y*dt, Z: mm.pos.Z + mm.vel.Z*dt}
}

// Velocity returns the current velocity
func (mm *MobilityModel) Velocity() Vector {
	return mm.vel
}

// AddCourseChangeListener subscribes 'f' to course changes of this node
func (mm *MobilityModel) AddCourseChangeListener(f CourseChangeFunc) {
	mm.listeners = append(mm.listeners, f)
}

func (mm *MobilityModel) notify(evtMgr *evtm.EventManager) {
	for _, f := range mm.listeners {
		f(evtMgr, mm)
	}
}

// setInitial places the node before the simulation starts, without notification
func (mm *MobilityModel) setInitial(axis byte, value float64) {
	switch axis {
	case 'X':
		mm.pos.X = value
	case 'Y':
		mm.pos.Y = value
	case 'Z':
		mm.pos.Z = value
	}
}

// setCoordinate moves the node along one axis and keeps its velocity
func (mm *MobilityModel) setCoordinate(now float64, axis byte, value float64) {
	pos := mm.Position(now)
	switch axis {
	case 'X':
		pos.X = value
	case 'Y':
		pos.Y = value
	case 'Z':
		pos.Z = value
	}
	mm.pos = pos
	mm.t0 = now
}

// setDestination starts straight-line motion toward (x, y) at 'speed'.  The
// return is the travel time, zero when the node does not move
func (mm *MobilityModel) setDestination(now, x, y, speed float64) float64 {
	pos := mm.Position(now)
	mm.pos = pos
	mm.t0 = now
	mm.stopToken += 1

	dest := Vector{X: x, Y: y, Z: pos.Z}
	dist := pos.distance(dest)
	if speed <= 0 || dist == 0 {
		mm.vel = Vector{}
		return 0
	}
	mm.vel = Vector{X: (dest.X - pos.X) / dist * speed, Y: (dest.Y - pos.Y) / dist * speed}
	return dist / speed
}

// ns2Op labels the kind of trace statement
type ns2Op int

const (
	ns2SetInitial ns2Op = iota
	ns2SetAt
	ns2SetDest
)

// Ns2Command is one parsed statement of an ns-2 movement trace
type Ns2Command struct {
	Line  int
	Op    ns2Op
	Node  int
	At    float64
	Axis  byte
	Value float64
	Dest  Vector
	Speed float64
}

var (
	ns2InitialRE = regexp.MustCompile(`^\$node_\((\d+)\)\s+set\s+([XYZ])_\s+(\S+)$`)
	ns2AtRE      = regexp.MustCompile(`^\$ns_\s+at\s+(\S+)\s+"\$node_\((\d+)\)\s+(.*)"$`)
	ns2SetRE     = regexp.MustCompile(`^set\s+([XYZ])_\s+(\S+)$`)
	ns2SetDestRE = regexp.MustCompile(`^setdest\s+(\S+)\s+(\S+)\s+(\S+)$`)
)

// ParseNs2Trace reads ns-2 movement statements from 'r'.  Statements that
// are not movement ($god_, unknown verbs) and malformed lines are skipped
// and reported through 'logger'
func ParseNs2Trace(r io.Reader, logger *slog.Logger) ([]Ns2Command, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmds := make([]Ns2Command, 0)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo += 1
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if len(line) == 0 {
			continue
		}

		if m := ns2InitialRE.FindStringSubmatch(line); m != nil {
			node, _ := strconv.Atoi(m[1])
			value, err := strconv.ParseFloat(m[3], 64)
			if err != nil {
				logger.Warn("malformed ns-2 coordinate", "line", lineNo, "text", line)
				continue
			}
			cmds = append(cmds, Ns2Command{Line: lineNo, Op: ns2SetInitial, Node: node, Axis: m[2][0], Value: value})
			continue
		}

		m := ns2AtRE.FindStringSubmatch(line)
		if m == nil {
			logger.Debug("skipping ns-2 statement", "line", lineNo, "text", line)
			continue
		}
		at, err := strconv.ParseFloat(m[1], 64)
		if err != nil || at < 0 {
			logger.Warn("malformed ns-2 time", "line", lineNo, "text", line)
			continue
		}
		node, _ := strconv.Atoi(m[2])
		action := strings.TrimSpace(m[3])

		if sm := ns2SetRE.FindStringSubmatch(action); sm != nil {
			value, err := strconv.ParseFloat(sm[2], 64)
			if err != nil {
				logger.Warn("malformed ns-2 coordinate", "line", lineNo, "text", line)
				continue
			}
			cmds = append(cmds, Ns2Command{Line: lineNo, Op: ns2SetAt, Node: node, At: at, Axis: sm[1][0], Value: value})
			continue
		}
		if dm := ns2SetDestRE.FindStringSubmatch(action); dm != nil {
			vals := make([]float64, 3)
			bad := false
			for idx := 0; idx < 3; idx++ {
				vals[idx], err = strconv.ParseFloat(dm[idx+1], 64)
				if err != nil {
					bad = true
				}
			}
			if bad {
				logger.Warn("malformed ns-2 setdest", "line", lineNo, "text", line)
				continue
			}
			cmds = append(cmds, Ns2Command{Line: lineNo, Op: ns2SetDest, Node: node, At: at,
				Dest: Vector{X: vals[0], Y: vals[1]}, Speed: vals[2]})
			continue
		}
		logger.Debug("skipping ns-2 action", "line", lineNo, "text", line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cmds, nil
}

// ReadNs2Trace opens and parses the trace file
func ReadNs2Trace(filename string, logger *slog.Logger) ([]Ns2Command, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("opening ns-2 trace: %w", err)
	}
	defer f.Close()
	cmds, err := ParseNs2Trace(f, logger)
	if err != nil {
		return nil, fmt.Errorf("reading ns-2 trace %s: %w", filename, err)
	}
	return cmds, nil
}

// InstallNs2Mobility applies the trace to the models, indexed by node id.
// Initial placements take effect immediately, timed statements are
// scheduled with the event manager
func InstallNs2Mobility(evtMgr *evtm.EventManager, cmds []Ns2Command, models []*MobilityModel, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for idx := range cmds {
		cmd := cmds[idx]
		if cmd.Node < 0 || cmd.Node >= len(models) {
			logger.Debug("ns-2 statement for unknown node", "line", cmd.Line, "node", cmd.Node)
			continue
		}
		mm := models[cmd.Node]
		switch cmd.Op {
		case ns2SetInitial:
			mm.setInitial(cmd.Axis, cmd.Value)
			logger.Debug("initial position", "node", cmd.Node, "axis", string(cmd.Axis), "value", cmd.Value)
		default:
			delay := cmd.At - evtMgr.CurrentSeconds()
			if delay < 0 {
				delay = 0
			}
			evtMgr.Schedule(mm, &cmds[idx], applyNs2Command, vrtime.SecondsToTime(delay))
			logger.Debug("scheduled movement", "node", cmd.Node, "at", cmd.At, "line", cmd.Line)
		}
	}
}

func applyNs2Command(evtMgr *evtm.EventManager, context any, data any) any {
	mm := context.(*MobilityModel)
	cmd := data.(*Ns2Command)
	now := evtMgr.CurrentSeconds()

	switch cmd.Op {
	case ns2SetAt:
		mm.setCoordinate(now, cmd.Axis, cmd.Value)
		mm.notify(evtMgr)
	case ns2SetDest:
		travel := mm.setDestination(now, cmd.Dest.X, cmd.Dest.Y, cmd.Speed)
		mm.notify(evtMgr)
		if travel > 0 {
			arrival := &arrivalMark{token: mm.stopToken, dest: Vector{X: cmd.Dest.X, Y: cmd.Dest.Y, Z: mm.pos.Z}}
			evtMgr.Schedule(mm, arrival, mobilityArrival, vrtime.SecondsToTime(travel))
		}
	}
	return nil
}

type arrivalMark struct {
	token int
	dest  Vector
}

// mobilityArrival stops the node at its destination, unless a later setdest
// replaced the course
func mobilityArrival(evtMgr *evtm.EventManager, context any, data any) any {
	mm := context.(*MobilityModel)
	mark := data.(*arrivalMark)
	if mark.token != mm.stopToken {
		return nil
	}
	mm.pos = mark.dest
	mm.vel = Vector{}
	mm.t0 = evtMgr.CurrentSeconds()
	mm.notify(evtMgr)
	return nil
}

// fmtNum formats a float with six significant digits, dropping trailing zeros
func fmtNum(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// fmtSimTime prints a simulation time as +<seconds>s
func fmtSimTime(secs float64) string {
	return "+" + strconv.FormatFloat(secs, 'f', -1, 64) + "s"
}

// FormatCourseChange renders the position log line for a course change
func FormatCourseChange(now float64, pos, vel Vector) string {
	return fmt.Sprintf("%s POS: x=%s, y=%s, z=%s; VEL:%s, y=%s, z=%s",
		fmtSimTime(now), fmtNum(pos.X), fmtNum(pos.Y), fmtNum(pos.Z),
		fmtNum(vel.X), fmtNum(vel.Y), fmtNum(vel.Z))
}

// CourseChangeLogger returns a listener that writes every course change to 'w'
func CourseChangeLogger(w io.Writer) CourseChangeFunc {
	return func(evtMgr *evtm.EventManager, mm *MobilityModel) {
		now := evtMgr.CurrentSeconds()
		fmt.Fprintln(w, FormatCourseChange(now, mm.Position(now), mm.Velocity()))
	}
}
