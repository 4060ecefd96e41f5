package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zatekoja/enrichswarm/internal/adapters/coordination"
	"github.com/zatekoja/enrichswarm/internal/adapters/database"
	"github.com/zatekoja/enrichswarm/internal/adapters/events"
	"github.com/zatekoja/enrichswarm/internal/adapters/gateway"
	memqueue "github.com/zatekoja/enrichswarm/internal/adapters/queue"
	"github.com/zatekoja/enrichswarm/internal/application/services"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
)

// FakeClock is a manually advanced time source
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MockLanguageModel answers through a function and records prompts
type MockLanguageModel struct {
	mu      sync.Mutex
	id      string
	reply   func(req providers.CompletionRequest) (string, error)
	prompts []providers.CompletionRequest
}

func NewMockLanguageModel(id string, reply func(req providers.CompletionRequest) (string, error)) *MockLanguageModel {
	return &MockLanguageModel{id: id, reply: reply}
}

func (m *MockLanguageModel) ID() string { return m.id }

func (m *MockLanguageModel) Complete(ctx context.Context, req providers.CompletionRequest) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, req)
	m.mu.Unlock()
	return m.reply(req)
}

func (m *MockLanguageModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// extractionReply answers query prompts with a query and extraction prompts
// with raw
func extractionReply(raw string) func(req providers.CompletionRequest) (string, error) {
	return func(req providers.CompletionRequest) (string, error) {
		if req.JSONMode {
			return raw, nil
		}
		return "acme corp headquarters", nil
	}
}

// FailingSearchProvider always returns err
type FailingSearchProvider struct {
	id  string
	err error
}

func (f *FailingSearchProvider) ID() string { return f.id }

func (f *FailingSearchProvider) Search(ctx context.Context, query string, limit int) ([]providers.SearchResult, error) {
	return nil, f.err
}

const (
	testDataset = "ds-1"
	testOwner   = "owner-1"
	testColumn  = "website"
	testModel   = "mock-llm"
	testSearch  = "mock-search"
)

// engine bundles every service over in-memory adapters
type engine struct {
	clock       *FakeClock
	store       *coordination.MemoryStore
	queue       *memqueue.MemoryQueue
	repo        *database.MemoryDatasetAdapter
	bus         providers.EventBus
	gateway     *gateway.Gateway
	registry    *services.AgentRegistry
	locks       *services.LockManager
	resolver    *services.ConflictResolver
	resilience  *services.ResilienceCoordinator
	writer      *services.CellWriter
	partitioner *services.JobPartitioner
	planner     *services.OrchestrationPlanner
	monitor     *services.MonitoringService
	enrichment  *services.EnrichmentService
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	e := &engine{
		clock:   NewFakeClock(),
		store:   coordination.NewMemoryStore(),
		repo:    database.NewMemoryDatasetAdapter(),
		bus:     events.NewMemoryEventBus(),
		gateway: gateway.NewGateway(),
	}
	e.queue = memqueue.NewMemoryQueueWithClock(e.clock.Now)
	e.registry = services.NewAgentRegistryWithClock(5, 30*time.Second, e.clock.Now)
	e.locks = services.NewLockManager(e.store, nil)
	e.resolver = services.NewConflictResolver(e.repo)
	e.resilience = services.NewResilienceCoordinator(e.store, e.queue, e.registry, e.bus, nil, services.DefaultResilienceConfig())
	e.resilience.SetClock(e.clock.Now)
	e.writer = services.NewCellWriter(e.repo, e.locks, e.resolver, e.gateway, e.resilience, e.bus, nil)
	e.partitioner = services.NewJobPartitioner(e.queue, nil)
	e.planner = services.NewOrchestrationPlanner(services.HeuristicAdvisor{})
	e.monitor = services.NewMonitoringService(e.queue, e.registry, e.bus, 4)
	e.monitor.SetClock(e.clock.Now)
	e.enrichment = services.NewEnrichmentService(e.repo, e.queue, e.partitioner, e.planner, e.registry, services.EnrichmentDefaults{
		LanguageProviderID: testModel,
		SearchProviderID:   testSearch,
	})

	e.gateway.RegisterLanguageModel(gateway.NewMockLanguageModel(testModel))
	e.gateway.RegisterSearchProvider(gateway.NewMockSearchProvider(testSearch, providers.SearchResult{
		Title:   "Acme Corp",
		URL:     "https://acme.example.com",
		Snippet: "Acme Corp official site",
	}))

	require.NoError(t, e.repo.CreateDataset(context.Background(), &entities.Dataset{
		ID:      testDataset,
		Name:    "Companies",
		OwnerID: testOwner,
		Columns: []entities.ColumnSchema{
			{ID: "name", Name: "Name", Type: entities.ColumnTypeString, Required: true},
			{ID: testColumn, Name: "Website", Type: entities.ColumnTypeURL},
			{ID: "employees", Name: "Employees", Type: entities.ColumnTypeNumber},
			{ID: "contact", Name: "Contact", Type: entities.ColumnTypeEmail},
			{ID: "public", Name: "Public", Type: entities.ColumnTypeBoolean},
		},
	}))
	return e
}

func (e *engine) request(rows ...int) entities.EnrichmentRequest {
	return entities.EnrichmentRequest{
		DatasetID:          testDataset,
		TargetColumn:       testColumn,
		Rows:               rows,
		InstructionText:    "Find the company website",
		LanguageProviderID: testModel,
		SearchProviderID:   testSearch,
		RequesterID:        testOwner,
	}
}

func rowsUpTo(n int) []int {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}

// enqueueRowJob queues a single-row job and claims it so it is active
func (e *engine) enqueueRowJob(t *testing.T, row, retryCount int, agentID string) *entities.QueueJob {
	t.Helper()
	ctx := context.Background()
	req := e.request(row)
	_, err := e.queue.Enqueue(ctx, entities.JobNameRow, entities.JobPayload{
		Request:    req,
		Rows:       []int{row},
		RetryCount: retryCount,
	}, providers.EnqueueOptions{AgentID: agentID})
	require.NoError(t, err)

	job, err := e.queue.Claim(ctx, agentID)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}
