package system

import (
	"context"
	"fmt"
	"sync"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
)

// Manager starts and stops a set of Services in registration order, and
// reverses that order on shutdown. It is the single place in the application
// that owns service lifecycle; nothing outside Manager calls Start/Stop on a
// Service directly.
type Manager struct {
	mu        sync.Mutex
	services  []Service
	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
	descr     []DescriptorProvider
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service to the managed set. Registration after Start has
// begun is rejected, as is a nil service.
func (m *Manager) Register(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc == nil {
		return fmt.Errorf("system: cannot register nil service")
	}
	if m.started {
		return fmt.Errorf("system: cannot register %q after start", svc.Name())
	}
	m.services = append(m.services, svc)
	if dp, ok := svc.(DescriptorProvider); ok {
		m.descr = append(m.descr, dp)
	}
	return nil
}

// Start starts every registered service in registration order. If any
// service fails to start, the services already started are stopped in
// reverse order before the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		services := append([]Service(nil), m.services...)
		m.mu.Unlock()

		started := make([]Service, 0, len(services))
		for _, svc := range services {
			if startErr := svc.Start(ctx); startErr != nil {
				err = fmt.Errorf("system: start %q: %w", svc.Name(), startErr)
				for i := len(started) - 1; i >= 0; i-- {
					_ = started[i].Stop(ctx)
				}
				return
			}
			started = append(started, svc)
		}
	})
	return err
}

// Stop stops every registered service in reverse registration order. It
// collects and returns the first error encountered but attempts to stop
// every service regardless.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		services := append([]Service(nil), m.services...)
		m.mu.Unlock()

		for i := len(services) - 1; i >= 0; i-- {
			if stopErr := services[i].Stop(ctx); stopErr != nil && err == nil {
				err = fmt.Errorf("system: stop %q: %w", services[i].Name(), stopErr)
			}
		}
	})
	return err
}

// DescriptorProviders returns the registered services that advertise a
// Descriptor, in registration order.
func (m *Manager) DescriptorProviders() []DescriptorProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DescriptorProvider(nil), m.descr...)
}

// Descriptors returns the collected, sorted descriptors of every registered
// service that advertises one.
func (m *Manager) Descriptors() []core.Descriptor {
	return CollectDescriptors(m.DescriptorProviders())
}
