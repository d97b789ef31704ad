package normalizer

import (
	"fmt"

	"RateFusion/internal/domain/repository"
	"RateFusion/pkg/config"
)

// Registry resolves normalizers by id.
type Registry struct {
	byID map[string]repository.Normalizer
}

// NewRegistry builds one Mapper per configured normalizer.
func NewRegistry(cfgs []config.NormalizerConfig) (*Registry, error) {
	r := &Registry{byID: make(map[string]repository.Normalizer, len(cfgs))}
	for _, c := range cfgs {
		m, err := NewMapper(c)
		if err != nil {
			return nil, err
		}
		if _, dup := r.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate normalizer %q", c.ID)
		}
		r.byID[c.ID] = m
	}
	return r, nil
}

func (r *Registry) Get(id string) (repository.Normalizer, bool) {
	n, ok := r.byID[id]
	return n, ok
}
