package instrument

import (
	"fmt"
	"strings"
	"sync"

	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
)

// Registry indexes instruments by id and ticker. Tickers are unique and case-insensitive.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]string // id -> ticker
	byTicker map[string]string // ticker -> id
}

func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]string),
		byTicker: make(map[string]string),
	}
}

// NormalizeTicker upper-cases and trims a ticker, dropping a leading '$'.
func NormalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(t), "$"))
}

// Reserve claims ticker for id. Fails with ErrDuplicate if the ticker is taken.
func (r *Registry) Reserve(id, ticker string) error {
	ticker = NormalizeTicker(ticker)
	if id == "" || ticker == "" {
		return fmt.Errorf("cannot register empty id or ticker")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTicker[ticker]; exists {
		return apperr.Errorf(apperr.ErrDuplicate, "ticker $%s already exists", ticker)
	}
	if _, exists := r.byID[id]; exists {
		return apperr.Errorf(apperr.ErrDuplicate, "instrument %s already registered", id)
	}

	r.byID[id] = ticker
	r.byTicker[ticker] = id
	return nil
}

// Release drops a reservation, used when creating the instrument fails afterwards.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ticker, ok := r.byID[id]; ok {
		delete(r.byTicker, ticker)
		delete(r.byID, id)
	}
}

// Lookup resolves a ticker to an instrument id.
func (r *Registry) Lookup(ticker string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byTicker[NormalizeTicker(ticker)]
	if !ok {
		return "", apperr.Errorf(apperr.ErrNotFound, "instrument $%s not found", NormalizeTicker(ticker))
	}
	return id, nil
}

// IDs returns every registered instrument id.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
