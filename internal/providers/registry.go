package providers

import (
	"fmt"
	"sort"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

// Registry selects the adapter for a payment by provider name.
type Registry struct {
	adapters map[models.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter or a ValidationError for unknown or unconfigured providers.
func (r *Registry) Get(provider models.Provider) (Adapter, error) {
	if a, ok := r.adapters[provider]; ok {
		return a, nil
	}
	return nil, models.NewValidationError(models.CodeUnsupportedProvider,
		fmt.Sprintf("payment provider %q is not supported", provider),
		map[string]any{"provider": string(provider), "available": r.Names()})
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}

// UnsignedWebhooks lists the configured providers whose webhooks are not
// HMAC-signed, with the substitute each one relies on.
func (r *Registry) UnsignedWebhooks() map[models.Provider]Authenticity {
	out := make(map[models.Provider]Authenticity)
	for name, a := range r.adapters {
		if auth := a.Authenticity(); auth != AuthenticityHMAC {
			out[name] = auth
		}
	}
	return out
}
