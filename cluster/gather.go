package cluster

import (
	"context"
	"fmt"
	"sync"
)

// Gatherer is a blocking all-gather collective: every member contributes its
// rows and receives the rows of all members, ordered by rank. All members
// must call it in the same step or the call never returns.
type Gatherer interface {
	AllGather(ctx context.Context, rows [][]float64) ([][]float64, error)
}

// Local is the single-process collective.
type Local struct{}

func (Local) AllGather(_ context.Context, rows [][]float64) ([][]float64, error) {
	return rows, nil
}

// Group connects in-process members, one per rank.
type Group struct {
	size  int
	mu    sync.Mutex
	round *gatherRound
}

type gatherRound struct {
	parts   [][][]float64
	arrived int
	done    chan struct{}
}

func NewGroup(size int) *Group {
	return &Group{size: size}
}

// Member returns the collective endpoint of rank.
func (g *Group) Member(rank int) Gatherer {
	if rank < 0 || rank >= g.size {
		panic(fmt.Sprintf("cluster: rank %d outside group of %d", rank, g.size))
	}
	return &member{group: g, rank: rank}
}

type member struct {
	group *Group
	rank  int
}

func (m *member) AllGather(ctx context.Context, rows [][]float64) ([][]float64, error) {
	g := m.group
	g.mu.Lock()
	if g.round == nil {
		g.round = &gatherRound{parts: make([][][]float64, g.size), done: make(chan struct{})}
	}
	r := g.round
	if r.parts[m.rank] != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("rank %d joined the same gather twice", m.rank)
	}
	if rows == nil {
		rows = [][]float64{}
	}
	r.parts[m.rank] = rows
	r.arrived++
	if r.arrived == g.size {
		g.round = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var all [][]float64
	for _, p := range r.parts {
		all = append(all, p...)
	}
	return all, nil
}
