package manet

// routes.go provides functions to compute shortest hop-count routes over a
// graph of node identifiers

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"golang.org/x/exp/slices"
)

// The general approach we use is to convert a set of edges between node
// identifiers into the data structures used by a graph package that has
// built-in path discovery algorithms.  Weighting each edge by 1, a shortest
// path minimizes the number of hops.
//   The Dijkstra algorithm we call computes a tree of shortest paths from a
// named node; among paths of equal length the one through the lowest
// numbered first hop is chosen, so results do not depend on map order.

// hopRoute is the first hop and the length of a shortest path
type hopRoute struct {
	nextHop int64
	hops    int
}

// ShowPath returns a string that lists the names of all the nodes on a
// path. The input arguments are the source and destination ids, a dictionary holding string
// names as a function of id, and the 'thru' map in which thru[x] is the node preceding x
func ShowPath(src int64, dest int64, idToName map[int64]string, thru map[int64]int64) string {
	// sequence will hold the names of the nodes on the path, in the reverse order they are visited
	sequence := make([]string, 0)
	here := dest
	for here != src {
		sequence = append(sequence, idToName[here])
		here = thru[here]
	}
	sequence = append(sequence, idToName[src])

	pathString := make([]string, 0, len(sequence))
	for idx := len(sequence) - 1; idx > -1; idx-- {
		pathString = append(pathString, sequence[idx])
	}
	return strings.Join(pathString, ",")
}

// buildConnGraph returns a graph.Graph data structure built from
// a map of node id to the ids of nodes it connects to.  Every edge is
// undirected and has weight 1
func buildConnGraph(edges map[int64][]int64) *simple.WeightedUndirectedGraph {
	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for nodeID, edgeList := range edges {
		if connGraph.Node(nodeID) == nil {
			connGraph.AddNode(simple.Node(nodeID))
		}
		for _, nbrID := range edgeList {
			if nbrID == nodeID {
				continue
			}
			if connGraph.Node(nbrID) == nil {
				connGraph.AddNode(simple.Node(nbrID))
			}
			weightedEdge := simple.WeightedEdge{F: simple.Node(nodeID), T: simple.Node(nbrID), W: 1.0}
			connGraph.SetWeightedEdge(weightedEdge)
		}
	}
	return connGraph
}

// convertNodeSeq extracts the node ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int64 {
	rtn := make([]int64, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, node.ID())
	}
	return rtn
}

// routesFrom computes, for every node reachable from 'srcID', the first hop
// and the hop count of a shortest path
func routesFrom(srcID int64, edges map[int64][]int64) map[int64]hopRoute {
	routes := make(map[int64]hopRoute)
	connGraph := buildConnGraph(edges)
	if connGraph.Node(srcID) == nil {
		return routes
	}

	spTree := path.DijkstraAllFrom(simple.Node(srcID), connGraph)
	nodes := graph.NodesOf(connGraph.Nodes())
	for _, node := range nodes {
		dstID := node.ID()
		if dstID == srcID {
			continue
		}
		paths, weight := spTree.AllTo(dstID)
		if len(paths) == 0 || math.IsInf(weight, 1) {
			continue
		}
		best := int64(math.MaxInt64)
		for _, p := range paths {
			seq := convertNodeSeq(p)
			if len(seq) > 1 && seq[1] < best {
				best = seq[1]
			}
		}
		routes[dstID] = hopRoute{nextHop: best, hops: int(weight)}
	}
	return routes
}

// routeFrom returns one shortest path from srcID to dstID as a sequence of
// node ids, or nil when there is none
func routeFrom(srcID int64, edges map[int64][]int64, dstID int64) []int64 {
	connGraph := buildConnGraph(edges)
	if connGraph.Node(srcID) == nil || connGraph.Node(dstID) == nil {
		return nil
	}
	spTree := path.DijkstraFrom(simple.Node(srcID), connGraph)
	nodeSeq, _ := spTree.To(dstID)
	return convertNodeSeq(nodeSeq)
}

// connectivity returns the edges between nodes within 'radius' meters of
// each other at time 'now'
func (net *Network) connectivity(now, radius float64) map[int64][]int64 {
	edges := make(map[int64][]int64)
	for _, a := range net.nodes {
		edges[int64(a.id)] = make([]int64, 0)
		pa := a.mobility.Position(now)
		for _, b := range net.nodes {
			if a == b {
				continue
			}
			if pa.distance(b.mobility.Position(now)) <= radius {
				edges[int64(a.id)] = append(edges[int64(a.id)], int64(b.id))
			}
		}
	}
	return edges
}

// usableRange is the distance at which a data frame still meets its SNR
// requirement in an otherwise quiet channel
func (net *Network) usableRange() float64 {
	if len(net.nodes) == 0 || net.nodes[0].intrfc == nil {
		return 0
	}
	is := net.nodes[0].intrfc
	need := mwToDbm(is.phy.noiseMw) + is.mac.dataMode.minSnrDb
	need = math.Max(need, is.phy.edThreshold)
	return net.channel.loss.rangeFor(is.phy.txPowerDbm, need)
}

// IdealHops returns the hop count of a shortest path from 'src' to every
// node it can reach at time 'now', judged by distance alone
func (net *Network) IdealHops(now float64, src int) map[int]int {
	hops := make(map[int]int)
	for id, hr := range routesFrom(int64(src), net.connectivity(now, net.usableRange())) {
		hops[int(id)] = hr.hops
	}
	return hops
}

// IdealPath names the nodes on one shortest path from 'src' to 'dst' at time 'now'
func (net *Network) IdealPath(now float64, src, dst int) (string, error) {
	seq := routeFrom(int64(src), net.connectivity(now, net.usableRange()), int64(dst))
	if len(seq) == 0 {
		return "", fmt.Errorf("no path from node %d to node %d", src, dst)
	}
	idToName := make(map[int64]string)
	thru := make(map[int64]int64)
	for idx, id := range seq {
		idToName[id] = net.nodes[id].name
		if idx > 0 {
			thru[id] = seq[idx-1]
		}
	}
	if !slices.Contains(seq, int64(dst)) {
		return "", fmt.Errorf("no path from node %d to node %d", src, dst)
	}
	return ShowPath(int64(src), int64(dst), idToName, thru), nil
}
