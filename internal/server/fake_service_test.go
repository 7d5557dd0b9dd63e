package server

import (
	"context"
	"errors"

	"github.com/matt-riley/decidez/internal/core"
	"github.com/matt-riley/decidez/internal/repository"
	"github.com/matt-riley/decidez/internal/service"
)

type fakeService struct {
	createDecisionFunc  func(ctx context.Context, d repository.Decision) (repository.Decision, error)
	updateDecisionFunc  func(ctx context.Context, d repository.Decision) (repository.Decision, error)
	getDecisionFunc     func(ctx context.Context, key string) (repository.Decision, error)
	listDecisionsFunc   func(ctx context.Context) ([]repository.Decision, error)
	deleteDecisionFunc  func(ctx context.Context, key string) error
	decideFunc          func(ctx context.Context, req service.DecideRequest) (service.DecideResult, error)
	decideBatchFunc     func(ctx context.Context, keys []string, subject string, requestContext core.EvaluationContext, defaults map[string]any) ([]service.DecideResult, error)
	recordSampleFunc    func(ctx context.Context, sample repository.Sample) (repository.Sample, error)
	listEventsSinceFunc func(ctx context.Context, eventID int64) ([]repository.DecisionEvent, error)
}

func (f *fakeService) CreateDecision(ctx context.Context, d repository.Decision) (repository.Decision, error) {
	if f.createDecisionFunc != nil {
		return f.createDecisionFunc(ctx, d)
	}
	return repository.Decision{}, errors.New("CreateDecision not implemented")
}

func (f *fakeService) UpdateDecision(ctx context.Context, d repository.Decision) (repository.Decision, error) {
	if f.updateDecisionFunc != nil {
		return f.updateDecisionFunc(ctx, d)
	}
	return repository.Decision{}, errors.New("UpdateDecision not implemented")
}

func (f *fakeService) GetDecision(ctx context.Context, key string) (repository.Decision, error) {
	if f.getDecisionFunc != nil {
		return f.getDecisionFunc(ctx, key)
	}
	return repository.Decision{}, errors.New("GetDecision not implemented")
}

func (f *fakeService) ListDecisions(ctx context.Context) ([]repository.Decision, error) {
	if f.listDecisionsFunc != nil {
		return f.listDecisionsFunc(ctx)
	}
	return nil, errors.New("ListDecisions not implemented")
}

func (f *fakeService) DeleteDecision(ctx context.Context, key string) error {
	if f.deleteDecisionFunc != nil {
		return f.deleteDecisionFunc(ctx, key)
	}
	return errors.New("DeleteDecision not implemented")
}

func (f *fakeService) Decide(ctx context.Context, req service.DecideRequest) (service.DecideResult, error) {
	if f.decideFunc != nil {
		return f.decideFunc(ctx, req)
	}
	return service.DecideResult{}, errors.New("Decide not implemented")
}

func (f *fakeService) DecideBatch(ctx context.Context, keys []string, subject string, requestContext core.EvaluationContext, defaults map[string]any) ([]service.DecideResult, error) {
	if f.decideBatchFunc != nil {
		return f.decideBatchFunc(ctx, keys, subject, requestContext, defaults)
	}
	return nil, errors.New("DecideBatch not implemented")
}

func (f *fakeService) RecordSample(ctx context.Context, sample repository.Sample) (repository.Sample, error) {
	if f.recordSampleFunc != nil {
		return f.recordSampleFunc(ctx, sample)
	}
	return repository.Sample{}, errors.New("RecordSample not implemented")
}

func (f *fakeService) ListEventsSince(ctx context.Context, eventID int64) ([]repository.DecisionEvent, error) {
	if f.listEventsSinceFunc != nil {
		return f.listEventsSinceFunc(ctx, eventID)
	}
	return nil, errors.New("ListEventsSince not implemented")
}
