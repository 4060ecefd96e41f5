package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
)

const (
	defaultPlanConfidence = 0.6
	maxSearchAgents       = 2
	verificationStride    = 3
	highPriorityRows      = 20
	mediumPriorityRows    = 5
	parallelRowThreshold  = 5
)

var (
	urgencyKeywords    = []string{"urgent", "asap", "immediately", "quickly", "fast", "rush"}
	complexityKeywords = []string{"comprehensive", "detailed", "analyze", "analyse", "research", "verify", "multiple", "complex", "in-depth"}

	// ErrNoAdvice is returned by an advisor that has no opinion on a request
	ErrNoAdvice = errors.New("no strategy advice")
)

// StrategyAdvice is an advisor's pick for a request
type StrategyAdvice struct {
	Strategy   entities.Strategy
	Confidence float64
	Reasoning  string
}

// StrategyAdvisor scores a request. Advice is best effort and may fail.
type StrategyAdvisor interface {
	Advise(ctx context.Context, req entities.EnrichmentRequest) (*StrategyAdvice, error)
}

func containsAny(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// HeuristicAdvisor picks a strategy from keywords in the instruction
type HeuristicAdvisor struct{}

// Advise returns parallel for urgent instructions and hybrid for large,
// complex ones. Everything else gets ErrNoAdvice.
func (HeuristicAdvisor) Advise(ctx context.Context, req entities.EnrichmentRequest) (*StrategyAdvice, error) {
	rows := len(req.Rows)
	switch {
	case containsAny(req.InstructionText, urgencyKeywords) && rows > 1:
		return &StrategyAdvice{Strategy: entities.StrategyParallel, Confidence: 0.8, Reasoning: "urgent instruction"}, nil
	case containsAny(req.InstructionText, complexityKeywords) && rows > highPriorityRows:
		return &StrategyAdvice{Strategy: entities.StrategyHybrid, Confidence: 0.7, Reasoning: "large request with complex instruction"}, nil
	}
	return nil, ErrNoAdvice
}

// LLMAdvisor asks a language model to pick a strategy
type LLMAdvisor struct {
	gateway    providers.ProviderGateway
	resilience *ResilienceCoordinator
}

// NewLLMAdvisor creates an advisor that calls the request's language
// provider. resilience may be nil.
func NewLLMAdvisor(gateway providers.ProviderGateway, resilience *ResilienceCoordinator) *LLMAdvisor {
	return &LLMAdvisor{gateway: gateway, resilience: resilience}
}

const plannerSystemPrompt = `You plan bulk data enrichment. Reply with one JSON object:
{"strategy": "parallel" | "sequential" | "hybrid", "confidence": 0..1, "reasoning": "..."}`

type strategyReply struct {
	Strategy   string       `json:"strategy"`
	Confidence *json.Number `json:"confidence"`
	Reasoning  string       `json:"reasoning"`
}

// Advise calls the model and validates its reply against the strategy schema
func (a *LLMAdvisor) Advise(ctx context.Context, req entities.EnrichmentRequest) (*StrategyAdvice, error) {
	if req.LanguageProviderID == "" {
		return nil, ErrNoAdvice
	}
	if a.resilience != nil {
		ok, err := a.resilience.IsAvailable(ctx, req.LanguageProviderID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrCircuitOpen
		}
	}
	model, err := a.gateway.LanguageModel(req.LanguageProviderID)
	if err != nil {
		return nil, err
	}

	raw, err := model.Complete(ctx, providers.CompletionRequest{
		SystemPrompt: plannerSystemPrompt,
		Prompt: fmt.Sprintf("Rows: %d\nTarget column: %s\nInstruction: %s",
			len(req.Rows), req.TargetColumn, req.InstructionText),
		MaxTokens:   200,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	var reply strategyReply
	if err := decodeModelJSON(raw, &reply); err != nil {
		return nil, fmt.Errorf("malformed strategy reply: %w", err)
	}
	strategy := entities.Strategy(strings.ToLower(strings.TrimSpace(reply.Strategy)))
	if !strategy.Valid() {
		return nil, fmt.Errorf("malformed strategy reply: unknown strategy %q", reply.Strategy)
	}
	confidence := defaultPlanConfidence
	if reply.Confidence != nil {
		if f, err := reply.Confidence.Float64(); err == nil {
			confidence = clampConfidence(f)
		}
	}
	return &StrategyAdvice{Strategy: strategy, Confidence: confidence, Reasoning: reply.Reasoning}, nil
}

// OrchestrationPlanner turns a request and the agent population into task
// assignments
type OrchestrationPlanner struct {
	advisors []StrategyAdvisor
}

// NewOrchestrationPlanner creates a planner that consults advisors in order.
// With no advisor or no usable advice it falls back to a row-count default.
func NewOrchestrationPlanner(advisors ...StrategyAdvisor) *OrchestrationPlanner {
	return &OrchestrationPlanner{advisors: advisors}
}

// SelectStrategy never fails: advisor errors only degrade to the default
func (p *OrchestrationPlanner) SelectStrategy(ctx context.Context, req entities.EnrichmentRequest) StrategyAdvice {
	logger := observability.LoggerFromContext(ctx)
	for _, advisor := range p.advisors {
		advice, err := advisor.Advise(ctx, req)
		if err == nil && advice != nil && advice.Strategy.Valid() {
			return *advice
		}
		if err != nil && !errors.Is(err, ErrNoAdvice) {
			logger.Warn().Err(err).Str("advisor", fmt.Sprintf("%T", advisor)).Msg("Strategy advice unavailable")
		}
	}
	if len(req.Rows) > parallelRowThreshold {
		return StrategyAdvice{Strategy: entities.StrategyParallel, Confidence: defaultPlanConfidence, Reasoning: "default for multi-row request"}
	}
	return StrategyAdvice{Strategy: entities.StrategySequential, Confidence: defaultPlanConfidence, Reasoning: "default for small request"}
}

// OrchestrateTask builds the plan for req over the given agents
func (p *OrchestrationPlanner) OrchestrateTask(ctx context.Context, req entities.EnrichmentRequest, agents []entities.AgentRecord) entities.OrchestrationPlan {
	advice := p.SelectStrategy(ctx, req)
	plan := entities.OrchestrationPlan{
		Assignments: []entities.TaskAssignment{},
		Strategy:    advice.Strategy,
		Confidence:  advice.Confidence,
		Reasoning:   advice.Reasoning,
	}

	switch advice.Strategy {
	case entities.StrategyParallel:
		plan.Assignments = ParallelAssignments(req, agents, entities.TaskTypeExtraction, "")
	case entities.StrategyHybrid:
		plan.Assignments = HybridAssignments(req, agents)
	}

	observability.LoggerFromContext(ctx).Debug().
		Str("dataset_id", req.DatasetID).
		Str("strategy", string(plan.Strategy)).
		Float64("confidence", plan.Confidence).
		Int("assignments", len(plan.Assignments)).
		Msg("Task orchestrated")
	return plan
}

// ScorePriority rates a batch by instruction complexity and size
func ScorePriority(instruction string, rows int) entities.Priority {
	switch {
	case containsAny(instruction, complexityKeywords) || rows > highPriorityRows:
		return entities.PriorityHigh
	case rows > mediumPriorityRows:
		return entities.PriorityMedium
	}
	return entities.PriorityLow
}

// EstimateDuration returns rows times the per-row cost of the task type
func EstimateDuration(taskType entities.TaskType, rows int) int {
	return rows * taskType.SecondsPerRow()
}

func newAssignment(req entities.EnrichmentRequest, agentID string, taskType entities.TaskType, phase string, rows []int) entities.TaskAssignment {
	return entities.TaskAssignment{
		TaskID:                   uuid.New().String(),
		AgentID:                  agentID,
		TaskType:                 taskType,
		Priority:                 ScorePriority(req.InstructionText, len(rows)),
		EstimatedDurationSeconds: EstimateDuration(taskType, len(rows)),
		Payload: entities.TaskPayload{
			DatasetID:    req.DatasetID,
			TargetColumn: req.TargetColumn,
			Rows:         rows,
			Instruction:  req.InstructionText,
			Phase:        phase,
		},
	}
}

// byWorkload sorts agents least loaded first, ties by id
func byWorkload(agents []entities.AgentRecord) []entities.AgentRecord {
	sorted := append([]entities.AgentRecord(nil), agents...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Workload != sorted[j].Workload {
			return sorted[i].Workload < sorted[j].Workload
		}
		return sorted[i].AgentID < sorted[j].AgentID
	})
	return sorted
}

// splitRows divides rows in order across n buckets. The first len(rows)%n
// buckets get one extra row.
func splitRows(rows []int, n int) [][]int {
	if n <= 0 {
		return nil
	}
	base, extra := len(rows)/n, len(rows)%n
	out := make([][]int, n)
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		out[i] = append([]int(nil), rows[start:start+size]...)
		start += size
	}
	return out
}

// ParallelAssignments spreads rows over agents least loaded first. Agents
// that would get no rows are left out.
func ParallelAssignments(req entities.EnrichmentRequest, agents []entities.AgentRecord, taskType entities.TaskType, phase string) []entities.TaskAssignment {
	return assignRows(req, req.Rows, byWorkload(agents), taskType, phase)
}

func assignRows(req entities.EnrichmentRequest, rows []int, agents []entities.AgentRecord, taskType entities.TaskType, phase string) []entities.TaskAssignment {
	out := []entities.TaskAssignment{}
	for i, slice := range splitRows(rows, len(agents)) {
		if len(slice) == 0 {
			continue
		}
		out = append(out, newAssignment(req, agents[i].AgentID, taskType, phase, slice))
	}
	return out
}

func withCapability(agents []entities.AgentRecord, t entities.TaskType) []entities.AgentRecord {
	var out []entities.AgentRecord
	for i := range agents {
		if agents[i].HasCapability(t) {
			out = append(out, agents[i])
		}
	}
	return out
}

// HybridAssignments produces three independent phases: up to two search
// agents generate queries, extraction agents cover every row, verification
// agents audit every third row
func HybridAssignments(req entities.EnrichmentRequest, agents []entities.AgentRecord) []entities.TaskAssignment {
	sorted := byWorkload(agents)
	out := []entities.TaskAssignment{}

	searchers := withCapability(sorted, entities.TaskTypeSearch)
	if len(searchers) > maxSearchAgents {
		searchers = searchers[:maxSearchAgents]
	}
	out = append(out, assignRows(req, req.Rows, searchers, entities.TaskTypeSearch, "search")...)

	extractors := withCapability(sorted, entities.TaskTypeExtraction)
	if len(extractors) == 0 {
		extractors = sorted
	}
	out = append(out, assignRows(req, req.Rows, extractors, entities.TaskTypeExtraction, "extraction")...)

	var sampled []int
	for i := 0; i < len(req.Rows); i += verificationStride {
		sampled = append(sampled, req.Rows[i])
	}
	verifiers := withCapability(sorted, entities.TaskTypeVerification)
	out = append(out, assignRows(req, sampled, verifiers, entities.TaskTypeVerification, "verification")...)

	return out
}
