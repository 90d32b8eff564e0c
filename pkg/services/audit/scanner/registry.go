package scanner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"golang.org/x/exp/maps"
)

// Registry holds one scanner per dimension.
type Registry struct {
	mu       sync.RWMutex
	scanners map[domain.Dimension]Scanner
}

func NewRegistry(scanners ...Scanner) (*Registry, error) {
	r := &Registry{scanners: make(map[domain.Dimension]Scanner)}
	for _, s := range scanners {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(s Scanner) error {
	if s == nil {
		return fmt.Errorf("scanner cannot be nil")
	}
	dim := s.Dimension()
	if dim == "" {
		return fmt.Errorf("scanner dimension cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.scanners[dim]; exists {
		return fmt.Errorf("dimension %q is already registered", dim)
	}
	r.scanners[dim] = s
	return nil
}

// Scanners returns the registered scanners ordered by dimension.
func (r *Registry) Scanners() []Scanner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dims := maps.Keys(r.scanners)
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })

	out := make([]Scanner, 0, len(dims))
	for _, d := range dims {
		out = append(out, r.scanners[d])
	}
	return out
}

func (r *Registry) Dimensions() []domain.Dimension {
	scanners := r.Scanners()
	dims := make([]domain.Dimension, 0, len(scanners))
	for _, s := range scanners {
		dims = append(dims, s.Dimension())
	}
	return dims
}
