package orchestration

import (
	"context"
	"time"

	"github.com/stepflow-io/stepflow/action"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

// Service is the engine's outward API: plain methods returning plain
// structs that a transport layer (REST, RPC, CLI) can serialize without
// reaching into engine internals.
type Service struct {
	engine   *Engine
	router   *EventRouter
	store    storage.Store
	registry *action.Registry
}

// NewService assembles the façade.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewService(engine *Engine, router *EventRouter, store storage.Store, registry *action.Registry) *Service {
	return &Service{engine: engine, router: router, store: store, registry: registry}
}

// StartRequest carries everything needed to start an execution. Exactly one
// of Definition, DefinitionYAML, or DefinitionJSON must be set.
type StartRequest struct {
	Definition     *PipelineDefinition
	DefinitionYAML []byte
	DefinitionJSON []byte

	Params         map[string]interface{}
	Initiator      string
	CallbackTopics []string
}

// StartExecution parses the definition if needed and starts the pipeline.
func (s *Service) StartExecution(ctx context.Context, req StartRequest) (*storage.PipelineExecution, error) {
	def := req.Definition
	var err error
	switch {
	case def != nil:
	case len(req.DefinitionYAML) > 0:
		def, err = ParseDefinitionYAML(req.DefinitionYAML)
	case len(req.DefinitionJSON) > 0:
		def, err = ParseDefinitionJSON(req.DefinitionJSON)
	default:
		err = definitionError("service.StartExecution", core.ErrInvalidDefinition)
	}
	if err != nil {
		return nil, err
	}
	return s.engine.StartExecution(ctx, def, req.Params, req.Initiator, req.CallbackTopics)
}

// GetExecution returns the full execution record.
func (s *Service) GetExecution(ctx context.Context, id string) (*storage.PipelineExecution, error) {
	return s.store.GetExecution(ctx, id)
}

// ProgressDetail selects how much of the execution state GetProgress
// returns.
type ProgressDetail string

const (
	DetailSummary ProgressDetail = "summary"
	DetailSteps   ProgressDetail = "steps"
	DetailFull    ProgressDetail = "full"
)

// ProgressReport is the GetProgress response document.
type ProgressReport struct {
	Execution          *storage.PipelineExecution `json:"execution"`
	Steps              []*storage.StepExecution   `json:"steps,omitempty"`
	RecentEvents       []*storage.ProgressEvent   `json:"recent_events,omitempty"`
	AggregatedProgress float64                    `json:"aggregated_progress"`
}

// GetProgress reports an execution's progress at the requested detail
// level, optionally with its most recent progress events.
func (s *Service) GetProgress(ctx context.Context, id string, detail ProgressDetail, includeEvents bool, eventsLimit int) (*ProgressReport, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &ProgressReport{Execution: exec, AggregatedProgress: exec.Progress}
	if detail == DetailSteps || detail == DetailFull {
		report.Steps, err = s.store.ListSteps(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	if includeEvents || detail == DetailFull {
		if eventsLimit <= 0 {
			eventsLimit = 20
		}
		report.RecentEvents, err = s.store.ListEvents(ctx, id, eventsLimit)
		if err != nil {
			return nil, err
		}
	}
	return report, nil
}

// ListQuery filters and pages ListExecutions.
type ListQuery struct {
	StartDate    *time.Time
	EndDate      *time.Time
	Status       storage.ExecutionStatus
	Initiator    string
	DefinitionID string
	Page         int
	PageSize     int
}

// ExecutionPage is one page of executions plus paging metadata.
type ExecutionPage struct {
	Items      []*storage.PipelineExecution `json:"items"`
	Page       int                          `json:"page"`
	PageSize   int                          `json:"page_size"`
	TotalCount int                          `json:"total_count"`
	TotalPages int                          `json:"total_pages"`
}

// ListExecutions returns a page of executions ordered newest first.
func (s *Service) ListExecutions(ctx context.Context, q ListQuery) (*ExecutionPage, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	pageSize := q.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	items, total, err := s.store.ListExecutions(ctx, storage.ExecutionFilter{
		CreatedAfter:  q.StartDate,
		CreatedBefore: q.EndDate,
		Status:        q.Status,
		Initiator:     q.Initiator,
		DefinitionID:  q.DefinitionID,
	}, page, pageSize)
	if err != nil {
		return nil, err
	}

	totalPages := total / pageSize
	if total%pageSize != 0 {
		totalPages++
	}
	return &ExecutionPage{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: totalPages,
	}, nil
}

// ListSteps returns an execution's steps in sequence order.
func (s *Service) ListSteps(ctx context.Context, executionID string) ([]*storage.StepExecution, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return s.store.ListSteps(ctx, executionID)
}

// Interrupt marks a running execution INTERRUPTED.
func (s *Service) Interrupt(ctx context.Context, executionID string) error {
	return s.engine.Interrupt(ctx, executionID)
}

// RouteEvent forwards an inbound event to the router.
func (s *Service) RouteEvent(ctx context.Context, event map[string]interface{}) (*RouteResult, error) {
	return s.router.RouteEvent(ctx, event)
}

// ListActions returns every registered action grouped by category.
func (s *Service) ListActions() map[string][]action.Meta {
	return s.registry.ByCategory()
}

// GetAction returns one action's metadata.
func (s *Service) GetAction(actionType string) (action.Meta, error) {
	meta, ok := s.registry.Meta(actionType)
	if !ok {
		return action.Meta{}, &core.EngineError{
			Op:   "service.GetAction",
			Kind: core.KindNotFound,
			ID:   actionType,
			Err:  core.ErrActionNotFound,
		}
	}
	return meta, nil
}

// ValidateActionParams runs structural and executor-specific validation
// without executing anything.
func (s *Service) ValidateActionParams(actionType string, params map[string]interface{}) []error {
	return s.registry.ValidateParams(actionType, params)
}
