package route

import (
	"container/heap"
	"context"
	"math"

	"wayfind/pkg/graph"
	"wayfind/pkg/model"
)

// searchResult is the raw output of one A* run.
type searchResult struct {
	path          []string
	edges         []model.Edge
	cost          float64
	nodesExpanded int
}

type openItem struct {
	nodeID string
	fScore float64
	// viaEdge is the edge ID used to reach the node; ties on fScore
	// resolve to the lower edge ID so equal-cost alternatives are
	// deterministic.
	viaEdge string
	index   int
}

type openHeap []*openItem

func (h openHeap) Len() int { return len(h) }
func (h openHeap) Less(i, j int) bool {
	if h[i].fScore != h[j].fScore {
		return h[i].fScore < h[j].fScore
	}
	if h[i].viaEdge != h[j].viaEdge {
		return h[i].viaEdge < h[j].viaEdge
	}
	return h[i].nodeID < h[j].nodeID
}
func (h openHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *openHeap) Push(x any) {
	it := x.(*openItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *openHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// astar runs an A* search from startID to goalID over the snapshot.
// It checks ctx between expansions and aborts with the context error.
func astar(ctx context.Context, snap *graph.Snapshot, startID, goalID string, cm *costModel, floorPenalty float64, maxExpansions int) (*searchResult, error) {
	goal, _ := snap.Node(goalID)
	start, _ := snap.Node(startID)
	if goal == nil || start == nil {
		return nil, model.ErrInvalidInput("unknown node in search")
	}

	gScore := map[string]float64{startID: 0}
	cameFrom := map[string]string{} // nodeID -> edge ID used to arrive
	closed := map[string]bool{}

	open := &openHeap{}
	heap.Init(open)
	heap.Push(open, &openItem{
		nodeID: startID,
		fScore: cm.heuristic(start.Position, goal.Position, floorPenalty),
	})

	expanded := 0
	for open.Len() > 0 {
		if expanded%64 == 0 {
			select {
			case <-ctx.Done():
				return &searchResult{nodesExpanded: expanded}, ctx.Err()
			default:
			}
		}

		cur := heap.Pop(open).(*openItem)
		if closed[cur.nodeID] {
			continue
		}
		closed[cur.nodeID] = true
		expanded++

		if cur.nodeID == goalID {
			return reconstruct(snap, startID, goalID, cameFrom, gScore[goalID], expanded), nil
		}
		if expanded > maxExpansions {
			return &searchResult{nodesExpanded: expanded},
				model.ErrNoRouteFound("expansion limit reached after %d nodes", expanded)
		}

		for _, e := range snap.Neighbors(cur.nodeID) {
			cost := cm.edgeCost(e)
			if math.IsInf(cost, 1) {
				continue
			}
			tentative := gScore[cur.nodeID] + cost
			if prev, seen := gScore[e.To]; seen && tentative >= prev {
				// Equal-cost paths keep the earlier (lower edge ID)
				// predecessor because neighbors are ID-ordered.
				continue
			}
			gScore[e.To] = tentative
			cameFrom[e.To] = e.ID

			next, _ := snap.Node(e.To)
			heap.Push(open, &openItem{
				nodeID:  e.To,
				fScore:  tentative + cm.heuristic(next.Position, goal.Position, floorPenalty),
				viaEdge: e.ID,
			})
		}
	}

	return &searchResult{nodesExpanded: expanded}, model.ErrNoRouteFound("no path from %s to %s", startID, goalID)
}

func reconstruct(snap *graph.Snapshot, startID, goalID string, cameFrom map[string]string, cost float64, expanded int) *searchResult {
	var revPath []string
	var revEdges []model.Edge

	at := goalID
	for at != startID {
		revPath = append(revPath, at)
		edgeID := cameFrom[at]
		e, _ := snap.Edge(edgeID)
		revEdges = append(revEdges, *e)
		at = e.From
	}
	revPath = append(revPath, startID)

	path := make([]string, len(revPath))
	for i, id := range revPath {
		path[len(revPath)-1-i] = id
	}
	edges := make([]model.Edge, len(revEdges))
	for i, e := range revEdges {
		edges[len(revEdges)-1-i] = e
	}

	return &searchResult{
		path:          path,
		edges:         edges,
		cost:          cost,
		nodesExpanded: expanded,
	}
}
