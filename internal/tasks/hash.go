package tasks

import (
	"hash/fnv"

	"github.com/nemanja-m/jobwire/pkg/tuple"
)

// Hash is FNV-1a over the printed form of key, so equal keys hash equally
// regardless of which process emitted them.
func Hash(key tuple.Tuple) uint32 {
	hash := fnv.New32a()
	hash.Write([]byte(key.String()))
	return hash.Sum32()
}

func Partition(key tuple.Tuple, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	return int(Hash(key) % uint32(numPartitions))
}
