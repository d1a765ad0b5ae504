package system

import "context"

// NoopService is a Service with no lifecycle behavior, useful for tests and
// for optional components that have not been wired to a real implementation.
type NoopService struct {
	ServiceName string
}

// Name returns the configured name, or "noop" when unset.
func (n NoopService) Name() string {
	if n.ServiceName == "" {
		return "noop"
	}
	return n.ServiceName
}

// Start does nothing.
func (n NoopService) Start(ctx context.Context) error { return nil }

// Stop does nothing.
func (n NoopService) Stop(ctx context.Context) error { return nil }
