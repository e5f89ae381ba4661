package manet

// olsr-state.go holds the information repositories of an OLSR node: the
// link, neighbor, 2-hop neighbor, MPR selector, topology and duplicate sets.
// Each tuple carries the time it expires; expired tuples are removed by
// housekeeping and ignored until then.

import (
	"net/netip"

	"golang.org/x/exp/slices"
)

// willingness values
const (
	olsrWillNever   uint8 = 0
	olsrWillLow     uint8 = 1
	olsrWillDefault uint8 = 3
	olsrWillHigh    uint8 = 6
	olsrWillAlways  uint8 = 7
)

type olsrLinkTuple struct {
	localAddr    netip.Addr
	neighborAddr netip.Addr
	symTime      float64
	asymTime     float64
	expires      float64
}

func (lt *olsrLinkTuple) symmetric(now float64) bool {
	return lt.symTime >= now
}

type olsrNeighborTuple struct {
	addr        netip.Addr
	symmetric   bool
	willingness uint8
}

type olsrTwoHopTuple struct {
	neighbor netip.Addr
	twoHop   netip.Addr
	expires  float64
}

type olsrMprSelectorTuple struct {
	addr    netip.Addr
	expires float64
}

type olsrTopologyTuple struct {
	dest    netip.Addr
	last    netip.Addr
	seq     uint16
	expires float64
}

type olsrDupKey struct {
	originator netip.Addr
	seq        uint16
}

type olsrDupTuple struct {
	retransmitted bool
	expires       float64
}

// olsrState is the set of repositories of one node
type olsrState struct {
	links        map[netip.Addr]*olsrLinkTuple
	neighbors    map[netip.Addr]*olsrNeighborTuple
	twoHops      []*olsrTwoHopTuple
	mprSet       map[netip.Addr]bool
	mprSelectors map[netip.Addr]*olsrMprSelectorTuple
	topology     []*olsrTopologyTuple
	dups         map[olsrDupKey]*olsrDupTuple
}

func createOlsrState() *olsrState {
	st := new(olsrState)
	st.links = make(map[netip.Addr]*olsrLinkTuple)
	st.neighbors = make(map[netip.Addr]*olsrNeighborTuple)
	st.twoHops = make([]*olsrTwoHopTuple, 0)
	st.mprSet = make(map[netip.Addr]bool)
	st.mprSelectors = make(map[netip.Addr]*olsrMprSelectorTuple)
	st.topology = make([]*olsrTopologyTuple, 0)
	st.dups = make(map[olsrDupKey]*olsrDupTuple)
	return st
}

func sortedAddrs(addrs []netip.Addr) []netip.Addr {
	slices.SortFunc(addrs, func(a, b netip.Addr) int { return a.Compare(b) })
	return addrs
}

// symNeighbors lists the symmetric neighbors in address order
func (st *olsrState) symNeighbors() []netip.Addr {
	addrs := make([]netip.Addr, 0)
	for addr, nt := range st.neighbors {
		if nt.symmetric {
			addrs = append(addrs, addr)
		}
	}
	return sortedAddrs(addrs)
}

func (st *olsrState) isSymNeighbor(addr netip.Addr) bool {
	nt, present := st.neighbors[addr]
	return present && nt.symmetric
}

// updateNeighbor recomputes N_status from the link set, RFC 8.1
func (st *olsrState) updateNeighbor(addr netip.Addr, now float64) bool {
	lt, present := st.links[addr]
	nt, known := st.neighbors[addr]
	if !present {
		if known {
			delete(st.neighbors, addr)
			return true
		}
		return false
	}
	sym := lt.symmetric(now)
	if !known {
		st.neighbors[addr] = &olsrNeighborTuple{addr: addr, symmetric: sym, willingness: olsrWillDefault}
		return true
	}
	if nt.symmetric != sym {
		nt.symmetric = sym
		return true
	}
	return false
}

func (st *olsrState) findTwoHop(nbr, twoHop netip.Addr) *olsrTwoHopTuple {
	for _, th := range st.twoHops {
		if th.neighbor == nbr && th.twoHop == twoHop {
			return th
		}
	}
	return nil
}

func (st *olsrState) removeTwoHop(nbr, twoHop netip.Addr) bool {
	for idx, th := range st.twoHops {
		if th.neighbor == nbr && th.twoHop == twoHop {
			st.twoHops = slices.Delete(st.twoHops, idx, idx+1)
			return true
		}
	}
	return false
}

// removeTwoHopsVia drops every 2-hop tuple learned through 'nbr'
func (st *olsrState) removeTwoHopsVia(nbr netip.Addr) bool {
	n := len(st.twoHops)
	st.twoHops = slices.DeleteFunc(st.twoHops, func(th *olsrTwoHopTuple) bool { return th.neighbor == nbr })
	return len(st.twoHops) != n
}

func (st *olsrState) findTopology(dest, last netip.Addr) *olsrTopologyTuple {
	for _, tt := range st.topology {
		if tt.dest == dest && tt.last == last {
			return tt
		}
	}
	return nil
}

// expire removes every tuple whose time has passed, reporting whether
// anything that routes depend on changed
func (st *olsrState) expire(now float64) (changed bool, selectorsChanged bool) {
	for addr, lt := range st.links {
		if lt.expires < now {
			delete(st.links, addr)
			changed = true
		}
	}
	for addr := range st.neighbors {
		if st.updateNeighbor(addr, now) {
			changed = true
		}
		if !st.isSymNeighbor(addr) {
			if st.removeTwoHopsVia(addr) {
				changed = true
			}
		}
	}
	n := len(st.twoHops)
	st.twoHops = slices.DeleteFunc(st.twoHops, func(th *olsrTwoHopTuple) bool { return th.expires < now })
	if len(st.twoHops) != n {
		changed = true
	}
	for addr, ms := range st.mprSelectors {
		if ms.expires < now {
			delete(st.mprSelectors, addr)
			selectorsChanged = true
		}
	}
	n = len(st.topology)
	st.topology = slices.DeleteFunc(st.topology, func(tt *olsrTopologyTuple) bool { return tt.expires < now })
	if len(st.topology) != n {
		changed = true
	}
	for key, dt := range st.dups {
		if dt.expires < now {
			delete(st.dups, key)
		}
	}
	return changed, selectorsChanged
}

// selectMprs runs the heuristic of RFC 3626 8.3.1 and returns the new MPR set
func (st *olsrState) selectMprs(self netip.Addr) map[netip.Addr]bool {
	mprs := make(map[netip.Addr]bool)

	// N: symmetric neighbors willing to forward
	n1 := make([]netip.Addr, 0)
	for _, addr := range st.symNeighbors() {
		if st.neighbors[addr].willingness != olsrWillNever {
			n1 = append(n1, addr)
		}
	}

	// N2: strict 2-hop neighbors reachable through N, and who covers them
	coverers := make(map[netip.Addr][]netip.Addr)
	for _, th := range st.twoHops {
		if th.twoHop == self || st.isSymNeighbor(th.twoHop) {
			continue
		}
		if !slices.Contains(n1, th.neighbor) {
			continue
		}
		if !slices.Contains(coverers[th.twoHop], th.neighbor) {
			coverers[th.twoHop] = append(coverers[th.twoHop], th.neighbor)
		}
	}
	uncovered := make(map[netip.Addr]bool)
	for addr := range coverers {
		uncovered[addr] = true
	}

	cover := func(nbr netip.Addr) {
		mprs[nbr] = true
		for addr, cs := range coverers {
			if slices.Contains(cs, nbr) {
				delete(uncovered, addr)
			}
		}
	}

	// degree of each neighbor, counting 2-hop nodes other than self and N
	degree := make(map[netip.Addr]int)
	for _, cs := range coverers {
		for _, nbr := range cs {
			degree[nbr] += 1
		}
	}

	for _, nbr := range n1 {
		if st.neighbors[nbr].willingness == olsrWillAlways {
			cover(nbr)
		}
	}

	// neighbors that are the only way to some 2-hop node
	twoHopAddrs := make([]netip.Addr, 0, len(coverers))
	for addr := range coverers {
		twoHopAddrs = append(twoHopAddrs, addr)
	}
	for _, addr := range sortedAddrs(twoHopAddrs) {
		if len(coverers[addr]) == 1 && uncovered[addr] {
			cover(coverers[addr][0])
		}
	}

	for len(uncovered) > 0 {
		var best netip.Addr
		bestWill, bestReach, bestDeg := -1, -1, -1
		for _, nbr := range n1 {
			if mprs[nbr] {
				continue
			}
			reach := 0
			for addr := range uncovered {
				if slices.Contains(coverers[addr], nbr) {
					reach += 1
				}
			}
			if reach == 0 {
				continue
			}
			will := int(st.neighbors[nbr].willingness)
			if will > bestWill || (will == bestWill && (reach > bestReach ||
				(reach == bestReach && degree[nbr] > bestDeg))) {
				best, bestWill, bestReach, bestDeg = nbr, will, reach, degree[nbr]
			}
		}
		if bestWill < 0 {
			break
		}
		cover(best)
	}
	return mprs
}
