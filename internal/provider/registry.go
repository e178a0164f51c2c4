package provider

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/voxline/vox-core/internal/config"
)

// Factory builds one adapter instance bound to the shared metrics.
type Factory func(cfg config.ProviderConfig, metrics *Metrics, log *slog.Logger) (Adapter, error)

var factories = map[string]Factory{
	"deepgram": newDeepgramAdapter,
	"mock":     newMockAdapter,
}

// New instantiates the adapter selected by cfg.Name, failing closed on
// unknown providers.
func New(cfg config.ProviderConfig, metrics *Metrics, log *slog.Logger) (Adapter, error) {
	factory, ok := factories[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnsupportedProvider, cfg.Name, Supported())
	}
	return factory(cfg, metrics, log)
}

// Supported lists registered provider names.
func Supported() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
