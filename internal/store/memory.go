package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-pulse/internal/models"
)

// MemoryConfig sizes the in-process approximate structures.
type MemoryConfig struct {
	SketchWidth  int
	SketchDepth  int
	FilterBits   int
	FilterHashes int
}

// DefaultMemoryConfig mirrors the dimensions the Valkey backend reserves.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		SketchWidth:  2048,
		SketchDepth:  5,
		FilterBits:   1 << 16,
		FilterHashes: 4,
	}
}

// MemoryStore implements Store entirely in process: count-min sketches for
// the frequency counters, a Bloom filter for the membership filter, a
// slice-backed ordered log, and a recording alert sink. Used for tests and
// single-node runs without a Valkey deployment.
type MemoryStore struct {
	cfg MemoryConfig

	mu       sync.Mutex
	sketches map[string]*countMinSketch
	filter   *bloomFilter
	pairs    uint64
	log      []models.Fingerprint

	// PublishFunc, when set, replaces the default recording sink. Tests use
	// it to simulate publish failures.
	PublishFunc func(models.AlertEvent) error
	published   []models.AlertEvent
}

// NewMemoryStore builds a MemoryStore with the supplied dimensions.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	def := DefaultMemoryConfig()
	if cfg.SketchWidth <= 0 {
		cfg.SketchWidth = def.SketchWidth
	}
	if cfg.SketchDepth <= 0 {
		cfg.SketchDepth = def.SketchDepth
	}
	if cfg.FilterBits <= 0 {
		cfg.FilterBits = def.FilterBits
	}
	if cfg.FilterHashes <= 0 {
		cfg.FilterHashes = def.FilterHashes
	}
	return &MemoryStore{
		cfg:      cfg,
		sketches: make(map[string]*countMinSketch),
		filter:   newBloomFilter(cfg.FilterBits, cfg.FilterHashes),
	}
}

// Increment adds delta to key's count in the named sketch.
func (m *MemoryStore) Increment(_ context.Context, sketch, key string, delta uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sketch(sketch).increment(key, delta)
	return nil
}

// Estimate returns approximate counts for keys in the named sketch.
func (m *MemoryStore) Estimate(_ context.Context, sketch string, keys ...string) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cms := m.sketch(sketch)
	counts := make([]uint64, len(keys))
	for i, key := range keys {
		counts[i] = cms.estimate(key)
	}
	return counts, nil
}

// AddPair records a pair token, reporting whether it was new to the filter.
func (m *MemoryStore) AddPair(_ context.Context, pair string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := m.filter.add(pair)
	if added {
		m.pairs++
	}
	return added, nil
}

// SeenPair reports whether the pair token was recorded.
func (m *MemoryStore) SeenPair(_ context.Context, pair string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter.contains(pair), nil
}

// PairCount returns the approximate distinct-pair count.
func (m *MemoryStore) PairCount(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairs, nil
}

// AppendFingerprint appends to the ordered log, enforcing increasing ids.
func (m *MemoryStore) AppendFingerprint(_ context.Context, fp models.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.log); n > 0 && fp.SequenceID <= m.log[n-1].SequenceID {
		return ErrStaleSequence
	}
	fp.Vector = append([]float64(nil), fp.Vector...)
	m.log = append(m.log, fp)
	return nil
}

// ReadFingerprints returns entries after afterSeq in ascending order.
func (m *MemoryStore) ReadFingerprints(_ context.Context, afterSeq uint64, limit int) ([]models.Fingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := sort.Search(len(m.log), func(i int) bool { return m.log[i].SequenceID > afterSeq })
	end := len(m.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]models.Fingerprint, end-start)
	copy(out, m.log[start:end])
	return out, nil
}

// RecentFingerprints returns up to limit entries, newest first.
func (m *MemoryStore) RecentFingerprints(_ context.Context, limit int) ([]models.Fingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.log)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Fingerprint, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.log[i])
	}
	return out, nil
}

// LastSequence returns the sequence id at the log tail.
func (m *MemoryStore) LastSequence(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.log) == 0 {
		return 0, nil
	}
	return m.log[len(m.log)-1].SequenceID, nil
}

// PublishAlert records the alert, or delegates to PublishFunc when set.
func (m *MemoryStore) PublishAlert(_ context.Context, alert models.AlertEvent) error {
	m.mu.Lock()
	fn := m.PublishFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(alert)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, alert)
	return nil
}

// PublishedAlerts returns a copy of alerts accepted by the recording sink.
func (m *MemoryStore) PublishedAlerts() []models.AlertEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AlertEvent(nil), m.published...)
}

// Ping always succeeds for the in-process store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) sketch(name string) *countMinSketch {
	cms, ok := m.sketches[name]
	if !ok {
		cms = newCountMinSketch(m.cfg.SketchWidth, m.cfg.SketchDepth)
		m.sketches[name] = cms
	}
	return cms
}

// countMinSketch is a classic width x depth counter grid. Each row hashes
// the key with a distinct seed; the estimate is the minimum across rows, so
// counts never under-report and over-report only on hash collisions.
type countMinSketch struct {
	width int
	rows  [][]uint64
}

func newCountMinSketch(width, depth int) *countMinSketch {
	rows := make([][]uint64, depth)
	for i := range rows {
		rows[i] = make([]uint64, width)
	}
	return &countMinSketch{width: width, rows: rows}
}

func (c *countMinSketch) increment(key string, delta uint64) {
	for row := range c.rows {
		c.rows[row][c.bucket(key, row)] += delta
	}
}

func (c *countMinSketch) estimate(key string) uint64 {
	min := c.rows[0][c.bucket(key, 0)]
	for row := 1; row < len(c.rows); row++ {
		if v := c.rows[row][c.bucket(key, row)]; v < min {
			min = v
		}
	}
	return min
}

func (c *countMinSketch) bucket(key string, row int) int {
	h := fnv.New64a()
	h.Write([]byte{byte(row), byte(row >> 8)})
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(c.width))
}

// bloomFilter is a double-hashed Bloom filter. add reports whether any bit
// was newly set, which drives the approximate distinct-pair counter.
type bloomFilter struct {
	bits   []uint64
	nbits  uint64
	hashes int
}

func newBloomFilter(nbits, hashes int) *bloomFilter {
	return &bloomFilter{
		bits:   make([]uint64, (nbits+63)/64),
		nbits:  uint64(nbits),
		hashes: hashes,
	}
}

func (b *bloomFilter) add(key string) bool {
	h1, h2 := b.baseHashes(key)
	added := false
	for i := 0; i < b.hashes; i++ {
		pos := (h1 + uint64(i)*h2) % b.nbits
		word, mask := pos/64, uint64(1)<<(pos%64)
		if b.bits[word]&mask == 0 {
			b.bits[word] |= mask
			added = true
		}
	}
	return added
}

func (b *bloomFilter) contains(key string) bool {
	h1, h2 := b.baseHashes(key)
	for i := 0; i < b.hashes; i++ {
		pos := (h1 + uint64(i)*h2) % b.nbits
		if b.bits[pos/64]&(uint64(1)<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (b *bloomFilter) baseHashes(key string) (uint64, uint64) {
	ha := fnv.New64a()
	ha.Write([]byte(key))
	h1 := ha.Sum64()
	hb := fnv.New64()
	hb.Write([]byte(key))
	h2 := hb.Sum64() | 1
	return h1, h2
}
