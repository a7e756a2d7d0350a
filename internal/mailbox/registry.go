package mailbox

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BackendFactoryBuilder turns a DSN into a per-recipient backend factory.
type BackendFactoryBuilder func(dsn string) (BackendFactory, error)

// DeliveryQueueBuilder turns a DSN into a delivery queue.
type DeliveryQueueBuilder func(dsn string, capacity int) (DeliveryQueue, error)

var (
	registryMu            sync.RWMutex
	backendBuilders       = map[string]BackendFactoryBuilder{}
	deliveryQueueBuilders = map[string]DeliveryQueueBuilder{}
)

// RegisterBackendScheme installs a builder for a DSN scheme such as
// "file" or "postgres". Later registrations replace earlier ones.
func RegisterBackendScheme(scheme string, builder BackendFactoryBuilder) error {
	scheme = normalizeScheme(scheme)
	if scheme == "" || builder == nil {
		return ErrInvalidInput
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	backendBuilders[scheme] = builder
	return nil
}

func RegisterDeliveryQueueScheme(scheme string, builder DeliveryQueueBuilder) error {
	scheme = normalizeScheme(scheme)
	if scheme == "" || builder == nil {
		return ErrInvalidInput
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	deliveryQueueBuilders[scheme] = builder
	return nil
}

func lookupBackendBuilder(scheme string) (BackendFactoryBuilder, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	builder, ok := backendBuilders[normalizeScheme(scheme)]
	return builder, ok
}

func lookupDeliveryQueueBuilder(scheme string) (DeliveryQueueBuilder, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	builder, ok := deliveryQueueBuilders[normalizeScheme(scheme)]
	return builder, ok
}

// RegisteredBackendSchemes reports the installed schemes, sorted, for
// diagnostics and error messages.
func RegisteredBackendSchemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	schemes := make([]string, 0, len(backendBuilders))
	for scheme := range backendBuilders {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

func RegisteredDeliveryQueueSchemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	schemes := make([]string, 0, len(deliveryQueueBuilders))
	for scheme := range deliveryQueueBuilders {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func unknownSchemeError(kind, scheme string, known []string) error {
	return fmt.Errorf("%w: unknown %s scheme %q (registered: %s)", ErrInvalidInput, kind, scheme, strings.Join(known, ", "))
}
