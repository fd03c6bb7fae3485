package netdb

import (
	"crypto/sha256"
	"math/big"
	"sort"
	"sync"
	"time"
)

// RoutingKey returns the daily-rotating key used for XOR-distance queries,
// per spec.md section 4.7: SHA256(ident || yyyymmdd).
func RoutingKey(ident Hash, at time.Time) Hash {
	day := at.UTC().Format("20060102")
	buf := make([]byte, 0, len(ident)+len(day))
	buf = append(buf, ident[:]...)
	buf = append(buf, day...)
	return sha256.Sum256(buf)
}

// FloodDistance is the "floodfill distance" of a router to a routing key:
// routing_key XOR ident, per spec.md section 4.7.
func FloodDistance(routingKey, ident Hash) Hash {
	return routingKey.Xor(ident)
}

// floodfillIndex is a copy-on-write index of known floodfill router hashes,
// adapted from the teacher's Kademlia bucket structure (core/kademlia.go):
// rebuilt wholesale on update rather than mutated bucket-by-bucket, matching
// the "NetDb floodfill index: a copy-on-write vector... other threads read
// an immutable snapshot" requirement of spec.md section 5.
type floodfillIndex struct {
	mu   sync.RWMutex
	snap []Hash // immutable once published; replaced wholesale on Rebuild
}

func newFloodfillIndex() *floodfillIndex {
	return &floodfillIndex{}
}

// Rebuild atomically replaces the index contents.
func (f *floodfillIndex) Rebuild(hashes []Hash) {
	cp := append([]Hash(nil), hashes...)
	f.mu.Lock()
	f.snap = cp
	f.mu.Unlock()
}

// Snapshot returns the current immutable slice of floodfill hashes.
func (f *floodfillIndex) Snapshot() []Hash {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap
}

// Closest returns up to n hashes from the current snapshot with the
// smallest XOR distance to target, excluding any hash present in exclude.
// Adapted from the teacher's Kademlia.Nearest (core/kademlia.go), replacing
// bucket-index lookup with a full sort over the (typically small) floodfill
// set, and switching distance comparisons from *big.Int to Hash.Less.
func (f *floodfillIndex) Closest(target Hash, n int, exclude map[Hash]bool) []Hash {
	snap := f.Snapshot()
	candidates := make([]Hash, 0, len(snap))
	for _, h := range snap {
		if exclude != nil && exclude[h] {
			continue
		}
		candidates = append(candidates, h)
	}
	sortByDistance(candidates, target)
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// distanceBigInt converts a Hash XOR distance to a big.Int for logging or
// property tests that want a total order beyond Hash.Less's boolean form.
func distanceBigInt(h Hash) *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// monotonicDistances reports whether distances is non-decreasing, used to
// verify scenario (E) in spec.md section 8: repeated lookups with a growing
// exclude set must not make the top result's distance smaller.
func monotonicDistances(distances []*big.Int) bool {
	return sort.SliceIsSorted(distances, func(i, j int) bool {
		return distances[i].Cmp(distances[j]) < 0
	})
}
