package dataset

import "math/rand/v2"

// Sampler splits the sample indices of one epoch between replicas. Every
// replica sees the same permutation (seeded by seed and epoch), padded by
// wrapping around to a multiple of the world size, and takes every
// Replicas-th entry starting at its rank.
type Sampler struct {
	N        int
	Replicas int
	Rank     int
	Shuffle  bool
	Seed     uint64
	epoch    int
}

func NewSampler(n, replicas, rank int, shuffle bool, seed uint64) *Sampler {
	return &Sampler{N: n, Replicas: max(replicas, 1), Rank: rank, Shuffle: shuffle, Seed: seed}
}

// SetEpoch changes the permutation returned by Indices.
func (s *Sampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// PerReplica is the number of indices each worker gets per epoch.
func (s *Sampler) PerReplica() int {
	return (s.N + s.Replicas - 1) / s.Replicas
}

func (s *Sampler) Indices() []int {
	var order []int
	if s.Shuffle {
		order = rand.New(rand.NewPCG(s.Seed, uint64(s.epoch))).Perm(s.N)
	} else {
		order = make([]int, s.N)
		for i := range order {
			order[i] = i
		}
	}
	total := s.PerReplica() * s.Replicas
	for i := 0; len(order) < total && s.N > 0; i++ {
		order = append(order, order[i%s.N])
	}
	out := make([]int, 0, s.PerReplica())
	for i := s.Rank; i < total; i += s.Replicas {
		out = append(out, order[i])
	}
	return out
}
