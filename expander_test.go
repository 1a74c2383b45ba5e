package fabsim

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// circulantAdjacency builds the adjacency lists of a circulant graph
// on n nodes where node i neighbours i±off for every offset
func circulantAdjacency(n int, offsets []int) [][]int {
	adjacency := make([][]int, n)
	for i := 0; i < n; i++ {
		nbrs := []int{}
		for _, off := range offsets {
			for _, delta := range []int{off, n - off} {
				nbr := (i + delta) % n
				seen := false
				for _, existing := range nbrs {
					if existing == nbr {
						seen = true
						break
					}
				}
				if nbr != i && !seen {
					nbrs = append(nbrs, nbr)
				}
			}
		}
		adjacency[i] = nbrs
	}
	return adjacency
}

// fullExpanderDesc is a 32-node degree-8 expander descriptor
func fullExpanderDesc() *ExpanderDesc {
	return &ExpanderDesc{
		NodeCount:               32,
		Degree:                  8,
		ConnectedGraphAdjacency: circulantAdjacency(32, []int{1, 2, 3, 4}),
	}
}

// splitExpanderDesc is a 72-node descriptor whose halves are
// 36-node degree-8 expanders
func splitExpanderDesc() *ExpanderDesc {
	groupA := make([]int, 36)
	groupB := make([]int, 36)
	for i := 0; i < 36; i++ {
		groupA[i] = i
		groupB[i] = 36 + i
	}

	half := circulantAdjacency(36, []int{1, 2, 3, 4})
	split := make([][]int, 72)
	for i := 0; i < 36; i++ {
		split[i] = half[i]
		shifted := make([]int, len(half[i]))
		for idx, nbr := range half[i] {
			shifted[idx] = 36 + nbr
		}
		split[36+i] = shifted
	}

	return &ExpanderDesc{
		NodeCount:               72,
		Degree:                  8,
		ConnectedGraphAdjacency: circulantAdjacency(72, []int{1, 2, 3, 4}),
		SplitGraphAdjacency:     split,
		Groups:                  &ExpanderGroups{A: groupA, B: groupB},
	}
}

func TestExpanderGraphFullModeDegreeAndDistances(t *testing.T) {
	evtQ := CreateEventQueue()
	eg := CreateExpanderGraph(evtQ, 32, 50, 500, fullExpanderDesc(), ExpanderShortestPath, false)

	require.Equal(t, 32, eg.NpusCount())
	require.Equal(t, 32, eg.DevicesCount())
	for id := 0; id < eg.NpusCount(); id++ {
		require.Len(t, eg.AdjacencyOf(DeviceId(id)), 8)
	}

	totalDistance := 0
	count := 0
	for src := 0; src < eg.NpusCount()/2; src++ {
		for dest := 0; dest < eg.NpusCount(); dest++ {
			if src == dest {
				continue
			}
			route := eg.Route(DeviceId(src), DeviceId(dest))
			requireRouteInvariants(t, route, DeviceId(src), DeviceId(dest))
			require.LessOrEqual(t, len(route), eg.NpusCount()/2)

			dist := eg.Distance(DeviceId(src), DeviceId(dest))
			require.Equal(t, len(route)-1, dist)
			require.Equal(t, dist, eg.ComputeHopsCount(DeviceId(src), DeviceId(dest)))

			totalDistance += dist
			count++
		}
	}
	avgDistance := float64(totalDistance) / float64(count)
	require.LessOrEqual(t, avgDistance, float64(eg.NpusCount())/4.0)
}

func TestExpanderGraphCommDelayIsHopLatency(t *testing.T) {
	evtQ := CreateEventQueue()
	eg := CreateExpanderGraph(evtQ, 32, 50, 500, fullExpanderDesc(), ExpanderShortestPath, false)

	// one-byte chunks serialize instantly, so delivery is pure
	// per-hop latency
	for _, dest := range []DeviceId{1, 9, 16} {
		route := eg.Route(0, dest)
		sendTime := evtQ.CurrentTime()
		chunk := CreateChunk(1, route, nil, nil)
		eg.Send(chunk)
		final := evtQ.Run()
		require.Equal(t, EventTime(len(route)-1)*500, final-sendTime)
	}
}

func TestExpanderGraphSplitModeWithResiliency(t *testing.T) {
	evtQ := CreateEventQueue()
	eg := CreateExpanderGraph(evtQ, 32, 50, 500, splitExpanderDesc(), ExpanderShortestPath, true)

	// resiliency reserves npus/8 spare devices; group A of the split
	// descriptor supplies the 36-node graph
	require.Equal(t, 32, eg.NpusCount())
	require.Equal(t, 36, eg.DevicesCount())
	require.Equal(t, eg.NpusCount()+eg.NpusCount()/8, eg.DevicesCount())

	for id := 0; id < eg.NpusCount(); id++ {
		require.Len(t, eg.AdjacencyOf(DeviceId(id)), 8)
	}

	for src := 0; src < eg.NpusCount()/2; src++ {
		for dest := 0; dest < eg.NpusCount(); dest++ {
			if src == dest {
				continue
			}
			route := eg.Route(DeviceId(src), DeviceId(dest))
			requireRouteInvariants(t, route, DeviceId(src), DeviceId(dest))
			require.LessOrEqual(t, len(route), eg.NpusCount()/2+1)
		}
	}
}

func TestExpanderGraphRouteCacheIsStable(t *testing.T) {
	evtQ := CreateEventQueue()
	eg := CreateExpanderGraph(evtQ, 32, 50, 500, fullExpanderDesc(), ExpanderShortestPath, false)

	first := eg.Route(3, 17)
	second := eg.Route(3, 17)
	require.Equal(t, len(first), len(second))
	for idx := range first {
		require.Equal(t, first[idx].Id(), second[idx].Id())
	}
}

func TestExpanderGraphRandomTopKRoutesAreLooplessAndValid(t *testing.T) {
	evtQ := CreateEventQueue()
	eg := CreateExpanderGraph(evtQ, 32, 50, 500, fullExpanderDesc(), ExpanderRandomTopK, false)

	shortest := len(eg.ShortestRoute(0, 16))
	for trial := 0; trial < 64; trial++ {
		route := eg.Route(0, 16)
		requireRouteInvariants(t, route, 0, 16)
		require.GreaterOrEqual(t, len(route), shortest)

		seen := map[DeviceId]bool{}
		for _, dev := range route {
			require.False(t, seen[dev.Id()], "route revisits device %d", dev.Id())
			seen[dev.Id()] = true
		}
	}
}

func TestYenPathListProperties(t *testing.T) {
	evtQ := CreateEventQueue()
	eg := CreateExpanderGraph(evtQ, 32, 50, 500, fullExpanderDesc(), ExpanderRandomTopK, false)

	paths := eg.yenTopKPaths(0, 16)
	require.NotEmpty(t, paths)
	require.LessOrEqual(t, len(paths), yenKMax)

	// the first entry is the BFS shortest path, and no two entries
	// coincide
	require.Equal(t, len(eg.shortestPath(0, 16)), len(paths[0]))
	for i := 0; i < len(paths); i++ {
		for j := i + 1; j < len(paths); j++ {
			if len(paths[i]) == len(paths[j]) {
				same := true
				for idx := range paths[i] {
					if paths[i][idx] != paths[j][idx] {
						same = false
						break
					}
				}
				require.False(t, same, "paths %d and %d coincide", i, j)
			}
		}
	}
}

func TestExpanderDescriptorRoundTripsThroughJSON(t *testing.T) {
	desc := fullExpanderDesc()
	bytes, err := json.Marshal(desc)
	require.NoError(t, err)

	descFile := filepath.Join(t.TempDir(), "expander.json")
	require.NoError(t, os.WriteFile(descFile, bytes, 0644))

	loaded, err := ReadExpanderDesc(descFile, false, nil)
	require.NoError(t, err)
	require.Equal(t, desc.NodeCount, loaded.NodeCount)
	require.Equal(t, desc.Degree, loaded.Degree)
	require.Equal(t, desc.ConnectedGraphAdjacency, loaded.ConnectedGraphAdjacency)
}

func TestExpanderDescriptorRejectsOutOfRangeAdjacency(t *testing.T) {
	bad := &ExpanderDesc{
		NodeCount:               4,
		Degree:                  1,
		ConnectedGraphAdjacency: [][]int{{1}, {0}, {9}, {2}},
	}
	bytes, err := json.Marshal(bad)
	require.NoError(t, err)

	_, err = ReadExpanderDesc("", false, bytes)
	require.Error(t, err)
}

func TestExpanderGraphRejectsMismatchedDescriptor(t *testing.T) {
	evtQ := CreateEventQueue()
	require.Panics(t, func() {
		CreateExpanderGraph(evtQ, 10, 50, 500, fullExpanderDesc(), ExpanderShortestPath, false)
	})
}
