package partition

import (
	"fmt"
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/mohitkumar/approvy/logger"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

type hasher struct{}

func (hasher) Sum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

type Config struct {
	PartitionCount int
}

type member string

func (m member) String() string {
	return string(m)
}

// Ring maps keys to a fixed set of partitions so everything for one key
// lands on the same lane or stream.
type Ring struct {
	Config
	mu    sync.RWMutex
	hring *consistent.Consistent
}

func NewRing(c Config, localNode string) *Ring {
	if c.PartitionCount <= 0 {
		c.PartitionCount = 16
	}
	cfg := consistent.Config{
		PartitionCount:    c.PartitionCount,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
	r := &Ring{
		Config: c,
		hring:  consistent.New(nil, cfg),
	}
	r.Join(localNode)
	return r
}

func (r *Ring) Join(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logger.Info("adding member to ring", zap.String("node", node))
	r.hring.Add(member(node))
}

func (r *Ring) Leave(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hring.Remove(node)
}

func (r *Ring) Partition(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hring.FindPartitionID([]byte(key))
}

// Owner returns the node owning the partition of key.
func (r *Ring) Owner(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.hring.LocateKey([]byte(key))
	if m == nil {
		return ""
	}
	return m.String()
}

// Partitions lists the partitions owned by node.
func (r *Ring) Partitions(node string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []int
	for i := 0; i < r.PartitionCount; i++ {
		owner := r.hring.GetPartitionOwner(i)
		if owner != nil && owner.String() == node {
			res = append(res, i)
		}
	}
	return res
}

func Name(prefix string, partition int) string {
	return fmt.Sprintf("%s:%d", prefix, partition)
}
