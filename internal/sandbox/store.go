package sandbox

import (
	"sync"

	"github.com/insightpulseai/hawk-sandboxd/pkg/smap"
)

// memoryStore owns the live registry and the creation reservations. The
// mutex makes check-and-reserve atomic: two concurrent creates can never
// both observe headroom when only one slot remains.
type memoryStore struct {
	mu sync.Mutex

	items        *smap.Map[*liveSandbox]
	reservations *smap.Map[struct{}]

	maxConcurrent int
}

func newMemoryStore(maxConcurrent int) *memoryStore {
	return &memoryStore{
		items:         smap.New[*liveSandbox](),
		reservations:  smap.New[struct{}](),
		maxConcurrent: maxConcurrent,
	}
}

// Reserve claims a concurrency slot for a sandbox being created. The
// returned release func must be called once the sandbox is registered or
// the creation failed, whichever comes first.
func (s *memoryStore) Reserve(sandboxID string) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items.Count()+s.reservations.Count() >= s.maxConcurrent {
		return nil, &ConcurrencyLimitError{Max: s.maxConcurrent}
	}

	s.reservations.Insert(sandboxID, struct{}{})

	return func() {
		s.reservations.Remove(sandboxID)
	}, nil
}

// Insert registers a spawned sandbox and atomically swaps its creation
// reservation for the registry entry, so the slot count never dips in
// between.
func (s *memoryStore) Insert(sbx *liveSandbox) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items.Insert(sbx.ID(), sbx)
	s.reservations.Remove(sbx.ID())
}

// Adopt registers a reconciled sandbox without a prior reservation. It may
// push the registry over the configured cap; the cap applies to new
// creations, not to sandboxes that already exist at the providers.
func (s *memoryStore) Adopt(sbx *liveSandbox) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items.Insert(sbx.ID(), sbx)
}

func (s *memoryStore) Get(sandboxID string) (*liveSandbox, bool) {
	return s.items.Get(sandboxID)
}

func (s *memoryStore) Remove(sandboxID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items.Remove(sandboxID)
}

// Items returns a snapshot of the live registry; iteration never holds the
// store lock.
func (s *memoryStore) Items() []*liveSandbox {
	items := s.items.Items()

	out := make([]*liveSandbox, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}

	return out
}

func (s *memoryStore) Count() int {
	return s.items.Count()
}
