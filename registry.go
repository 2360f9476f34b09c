package coreobject

import (
	"cmp"
	"slices"
	"sync"
	"weak"

	lru "github.com/hashicorp/golang-lru/v2"
)

// registry tracks constructed objects using weak pointers, so it is never the
// reason an object stays alive. It uses a ring buffer for scavenging entries
// whose object was garbage collected without being finalized.
type registry struct {
	// data stores weak pointers to objects.
	data map[uint64]weak.Pointer[Object]

	// tombstones remembers recently finalized ids, nil if disabled.
	tombstones *lru.Cache[uint64, struct{}]

	// ring is a circular buffer of IDs used for scavenging.
	// It allows deterministic checking of all objects over time.
	ring []uint64

	// head is the current cursor position in the ring for the scavenger.
	head int

	// nextID is the counter for generating unique object IDs.
	nextID uint64
	mu     sync.RWMutex

	// scavengeMu serializes scavenge operations to prevent overlap
	// and to ensure compaction safety.
	scavengeMu sync.Mutex
}

func newRegistry(tombstones int) (*registry, error) {
	r := &registry{
		data:   make(map[uint64]weak.Pointer[Object]),
		ring:   make([]uint64, 0, 1024),
		nextID: 1, // Start at 1 so 0 is null marker
	}
	if tombstones > 0 {
		cache, err := lru.New[uint64, struct{}](tombstones)
		if err != nil {
			return nil, err
		}
		r.tombstones = cache
	}
	return r, nil
}

// register assigns the object its id.
func (r *registry) register(o *Object) uint64 {
	wp := weak.Make(o)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	o.id = id
	r.data[id] = wp
	r.ring = append(r.ring, id)

	return id
}

// unregister removes a finalized object. Its ring slot is reclaimed by the
// next compaction, which unregister triggers itself once the ring is mostly
// stale, unless a scavenge is in progress (which then compacts instead).
func (r *registry) unregister(id uint64) bool {
	r.mu.Lock()
	_, ok := r.data[id]
	delete(r.data, id)
	if r.shouldCompact() && r.scavengeMu.TryLock() {
		r.compactAndRenew()
		r.scavengeMu.Unlock()
	}
	r.mu.Unlock()

	if ok && r.tombstones != nil {
		r.tombstones.Add(id, struct{}{})
	}
	return ok
}

func (r *registry) lookup(id uint64) (*Object, error) {
	r.mu.RLock()
	wp, ok := r.data[id]
	r.mu.RUnlock()

	if ok {
		if o := wp.Value(); o != nil {
			return o, nil
		}
		return nil, ErrUnknownObject
	}
	if r.tombstones != nil && r.tombstones.Contains(id) {
		return nil, ErrObjectFinalized
	}
	return nil, ErrUnknownObject
}

// objects returns every registered object still reachable, ordered by id.
func (r *registry) objects() []*Object {
	r.mu.RLock()
	objs := make([]*Object, 0, len(r.data))
	for _, wp := range r.data {
		if o := wp.Value(); o != nil {
			objs = append(objs, o)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(objs, func(a, b *Object) int {
		return cmp.Compare(a.id, b.id)
	})
	return objs
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// scavenge performs a partial cleanup, checking the next batch of the ring.
// Returns the ids of objects that were garbage collected while still
// registered, i.e. leaked without being finalized.
func (r *registry) scavenge(batchSize int) []uint64 {
	r.scavengeMu.Lock()
	defer r.scavengeMu.Unlock()

	if batchSize <= 0 {
		return nil
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	if ringLen == 0 {
		r.mu.RUnlock()
		return nil
	}

	start := r.head
	if start >= ringLen {
		start = 0
	}
	end := min(start+batchSize, ringLen)

	type item struct {
		wp  weak.Pointer[Object]
		id  uint64
		idx int
		ok  bool
	}
	items := make([]item, 0, end-start)
	for i := start; i < end; i++ {
		id := r.ring[i]
		if id == 0 {
			continue
		}
		wp, ok := r.data[id]
		items = append(items, item{wp: wp, id: id, idx: i, ok: ok})
	}

	nextHead := end
	if nextHead >= ringLen {
		nextHead = 0
	}
	r.mu.RUnlock()

	cycleCompleted := nextHead == 0

	// checks happen outside the lock, weak.Pointer.Value may be slow
	var (
		toRemove []item
		leaked   []uint64
	)
	for _, it := range items {
		switch {
		case !it.ok:
			// unregistered, only the ring slot remains
			toRemove = append(toRemove, it)
		case it.wp.Value() == nil:
			toRemove = append(toRemove, it)
			leaked = append(leaked, it.id)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, it := range toRemove {
		if it.ok {
			delete(r.data, it.id)
		}
		if it.idx < len(r.ring) && r.ring[it.idx] == it.id {
			r.ring[it.idx] = 0
		}
	}

	r.head = nextHead

	if cycleCompleted && r.shouldCompact() {
		r.compactAndRenew()
	}

	return leaked
}

// teardown clears the registry, returning the ids that were still registered.
func (r *registry) teardown() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint64, 0, len(r.data))
	for id := range r.data {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	r.data = make(map[uint64]weak.Pointer[Object])
	r.ring = r.ring[:0]
	r.head = 0

	return ids
}

// shouldCompact reports whether the ring's load factor dropped below 25%.
// Must be called with mu held.
func (r *registry) shouldCompact() bool {
	capacity := len(r.ring)
	return capacity > 256 && float64(len(r.data)) < float64(capacity)*0.25
}

// compactAndRenew removes null markers from the ring buffer AND rebuilds the map.
// Go's delete() doesn't free hashmap bucket array; allocating a new map reclaims memory.
// Must be called with mu.Lock held.
func (r *registry) compactAndRenew() {
	newRing := make([]uint64, 0, len(r.data))
	newData := make(map[uint64]weak.Pointer[Object], len(r.data))

	for _, id := range r.ring {
		if id != 0 {
			if wp, ok := r.data[id]; ok {
				newRing = append(newRing, id)
				newData[id] = wp
			}
		}
	}

	r.ring = newRing
	r.data = newData
	r.head = 0
}
