package etims

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages the registered vendor dialects
type Registry struct {
	mu      sync.RWMutex
	vendors map[string]VendorInterface
}

// NewRegistry creates a registry pre-loaded with the given vendors
func NewRegistry(vendors ...VendorInterface) *Registry {
	r := &Registry{vendors: make(map[string]VendorInterface)}
	for _, v := range vendors {
		_ = r.Register(v)
	}
	return r
}

// Register adds a vendor; codes must be unique
func (r *Registry) Register(vendor VendorInterface) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := vendor.Code()
	if code == "" {
		return fmt.Errorf("vendor code cannot be empty")
	}
	if _, exists := r.vendors[code]; exists {
		return fmt.Errorf("vendor %s is already registered", code)
	}

	r.vendors[code] = vendor
	return nil
}

// Get returns a vendor by its code
func (r *Registry) Get(code string) (VendorInterface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vendor, exists := r.vendors[code]
	if !exists {
		return nil, fmt.Errorf("vendor %s not found", code)
	}
	return vendor, nil
}

// Has checks if a vendor is registered
func (r *Registry) Has(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.vendors[code]
	return exists
}

// Codes returns the registered vendor codes in sorted order
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.vendors))
	for code := range r.vendors {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
