package invoker

// Evictable is told when an LRU drops it.
type Evictable interface {
	Evict()
}

const nilIndex = -1

type lruNode[K comparable, V Evictable] struct {
	key        K
	val        V
	prev, next int
}

// LRU is an ordered set with least-recently-used eviction. Entries live in a
// slice and link to each other by index; freed slots are reused.
//
// LRU is not safe for concurrent use.
type LRU[K comparable, V Evictable] struct {
	min, max   int
	nodes      []lruNode[K, V]
	free       []int
	index      map[K]int
	head, tail int // head is most recently used
}

// NewLRU returns an LRU sized for min entries and bounded by max.
func NewLRU[K comparable, V Evictable](lo, hi int) *LRU[K, V] {
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	return &LRU[K, V]{
		min:   lo,
		max:   hi,
		nodes: make([]lruNode[K, V], 0, lo),
		index: make(map[K]int, lo),
		head:  nilIndex,
		tail:  nilIndex,
	}
}

// Min returns the configured lower capacity.
func (l *LRU[K, V]) Min() int { return l.min }

// Max returns the configured upper capacity.
func (l *LRU[K, V]) Max() int { return l.max }

// SetMax changes the upper capacity. Existing entries are kept.
func (l *LRU[K, V]) SetMax(n int) { l.max = n }

// Len returns the number of entries.
func (l *LRU[K, V]) Len() int { return len(l.index) }

// Full reports whether Len has reached Max.
func (l *LRU[K, V]) Full() bool { return len(l.index) >= l.max }

// Has reports whether key is present.
func (l *LRU[K, V]) Has(key K) bool {
	_, ok := l.index[key]
	return ok
}

// Insert adds key or refreshes it, making it the most recently used entry.
func (l *LRU[K, V]) Insert(key K, val V) {
	if i, ok := l.index[key]; ok {
		l.nodes[i].val = val
		l.unlink(i)
		l.pushFront(i)
		return
	}
	var i int
	if n := len(l.free); n > 0 {
		i = l.free[n-1]
		l.free = l.free[:n-1]
		l.nodes[i] = lruNode[K, V]{key: key, val: val}
	} else {
		i = len(l.nodes)
		l.nodes = append(l.nodes, lruNode[K, V]{key: key, val: val})
	}
	l.index[key] = i
	l.pushFront(i)
}

// Remove drops key without calling its eviction hook.
func (l *LRU[K, V]) Remove(key K) (V, bool) {
	i, ok := l.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return l.drop(i), true
}

// Evict drops the least recently used entry and calls its Evict hook.
func (l *LRU[K, V]) Evict() (K, V, bool) {
	if l.tail == nilIndex {
		var (
			zk K
			zv V
		)
		return zk, zv, false
	}
	key := l.nodes[l.tail].key
	val := l.drop(l.tail)
	val.Evict()
	return key, val, true
}

// Flush evicts every entry, least recently used first.
func (l *LRU[K, V]) Flush() {
	for l.tail != nilIndex {
		l.Evict()
	}
}

// Keys returns the keys from least to most recently used.
func (l *LRU[K, V]) Keys() []K {
	keys := make([]K, 0, len(l.index))
	for i := l.tail; i != nilIndex; i = l.nodes[i].prev {
		keys = append(keys, l.nodes[i].key)
	}
	return keys
}

func (l *LRU[K, V]) drop(i int) V {
	n := l.nodes[i]
	l.unlink(i)
	delete(l.index, n.key)
	l.nodes[i] = lruNode[K, V]{prev: nilIndex, next: nilIndex}
	l.free = append(l.free, i)
	return n.val
}

func (l *LRU[K, V]) pushFront(i int) {
	l.nodes[i].prev = nilIndex
	l.nodes[i].next = l.head
	if l.head != nilIndex {
		l.nodes[l.head].prev = i
	}
	l.head = i
	if l.tail == nilIndex {
		l.tail = i
	}
}

func (l *LRU[K, V]) unlink(i int) {
	n := &l.nodes[i]
	if n.prev != nilIndex {
		l.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nilIndex {
		l.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nilIndex, nilIndex
}
