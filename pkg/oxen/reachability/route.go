package reachability

import (
	"sort"

	"github.com/jabolina/oxen/pkg/oxen/wire"
)

// Route picks the next hop toward dest: a direct possibly usable link
// wins outright; otherwise the shortest path over the "possibly
// usable" graph induced by the entire matrix, tie-broken on lowest
// SID byte-lex order; failing that, dest itself is returned as a
// best-effort hop and ok is false.
func (e *Engine) Route(dest wire.SID) (nextHop wire.SID, viaDirect bool, ok bool) {
	now := e.clock.Now()
	if e.isLinkUsable(e.local, dest, now) {
		return dest, true, true
	}

	firstHop := map[wire.SID]wire.SID{e.local: ""}
	visited := map[wire.SID]bool{e.local: true}
	queue := []wire.SID{e.local}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		neighbors := e.usableNeighbors(node, now)
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })
		for _, next := range neighbors {
			if visited[next] {
				continue
			}
			visited[next] = true
			if node == e.local {
				firstHop[next] = next
			} else {
				firstHop[next] = firstHop[node]
			}
			if next == dest {
				return firstHop[next], false, true
			}
			queue = append(queue, next)
		}
	}

	return dest, false, false
}

// usableNeighbors lists every observed SID reachable from observer via
// a possibly-usable cell in the matrix.
func (e *Engine) usableNeighbors(observer wire.SID, now int64) []wire.SID {
	row, ok := e.matrix[observer]
	if !ok {
		return nil
	}
	var out []wire.SID
	for observed, ts := range row {
		if now-ts <= e.linkStale {
			out = append(out, observed)
		}
	}
	return out
}
