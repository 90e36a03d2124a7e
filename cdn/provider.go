package cdn

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MockProvider is an in-memory Provider for tests. Every invalidation it
// creates stays active until the test calls Complete(distributionID,
// providerRef), so tests can observe the in-progress window.
type MockProvider struct {
	mu     sync.Mutex
	active map[string][]ActiveInvalidation // distributionID -> active invalidations
	calls  []MockInvalidationCall
}

// MockInvalidationCall records one CreateInvalidation call for assertions.
type MockInvalidationCall struct {
	DistributionID string
	CallerRef      string
	Patterns       []string
}

// NewMockProvider returns an empty MockProvider.
func NewMockProvider() *MockProvider {
	return &MockProvider{active: make(map[string][]ActiveInvalidation)}
}

func (m *MockProvider) ListActiveInvalidations(ctx context.Context, distributionID string) ([]ActiveInvalidation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ActiveInvalidation(nil), m.active[distributionID]...), nil
}

func (m *MockProvider) CreateInvalidation(ctx context.Context, distributionID, callerRef string, patterns []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	providerRef := uuid.New().String()
	m.active[distributionID] = append(m.active[distributionID], ActiveInvalidation{
		ProviderRef: providerRef,
		Patterns:    patterns,
	})
	m.calls = append(m.calls, MockInvalidationCall{
		DistributionID: distributionID,
		CallerRef:      callerRef,
		Patterns:       patterns,
	})
	return providerRef, nil
}

// Complete removes providerRef from the active set, simulating the CDN
// provider finishing an invalidation.
func (m *MockProvider) Complete(distributionID, providerRef string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var remaining []ActiveInvalidation
	for _, a := range m.active[distributionID] {
		if a.ProviderRef != providerRef {
			remaining = append(remaining, a)
		}
	}
	m.active[distributionID] = remaining
}

// Calls returns every CreateInvalidation call made so far, for assertions.
func (m *MockProvider) Calls() []MockInvalidationCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockInvalidationCall(nil), m.calls...)
}
