package provider

import (
	"fmt"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
)

type entry struct {
	mapping *FieldMap
	adapter Adapter
}

// Registry holds the field-mapping table and, when configured, the outbound
// adapter of each provider. A provider can accept callbacks without an
// adapter; it just cannot initiate or be pulled.
type Registry struct {
	entries map[domain.Provider]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.Provider]entry)}
}

// Register is not safe for concurrent use; call it during wiring only.
func (r *Registry) Register(mapping *FieldMap, adapter Adapter) {
	e := r.entries[mapping.Provider]
	e.mapping = mapping
	if adapter != nil {
		e.adapter = adapter
	}
	r.entries[mapping.Provider] = e
}

func (r *Registry) Mapping(p domain.Provider) (*FieldMap, error) {
	e, ok := r.entries[p]
	if !ok || e.mapping == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, p)
	}
	return e.mapping, nil
}

func (r *Registry) Adapter(p domain.Provider) (Adapter, error) {
	e, ok := r.entries[p]
	if !ok || e.adapter == nil {
		return nil, fmt.Errorf("%w: no adapter configured for %s", domain.ErrUnknownProvider, p)
	}
	return e.adapter, nil
}

// Fetcher returns the provider's StatusFetcher when its adapter has one.
func (r *Registry) Fetcher(p domain.Provider) (StatusFetcher, bool) {
	e, ok := r.entries[p]
	if !ok || e.adapter == nil {
		return nil, false
	}
	f, ok := e.adapter.(StatusFetcher)
	return f, ok
}

// Providers returns registered providers in the fixed lookup order.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.entries))
	for _, p := range domain.Providers {
		if _, ok := r.entries[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
