package server

import (
	"context"

	"github.com/matt-riley/decidez/internal/core"
	"github.com/matt-riley/decidez/internal/repository"
	"github.com/matt-riley/decidez/internal/service"
)

// Service is the subset of [service.Service] the transports call.
type Service interface {
	CreateDecision(ctx context.Context, d repository.Decision) (repository.Decision, error)
	UpdateDecision(ctx context.Context, d repository.Decision) (repository.Decision, error)
	GetDecision(ctx context.Context, key string) (repository.Decision, error)
	ListDecisions(ctx context.Context) ([]repository.Decision, error)
	DeleteDecision(ctx context.Context, key string) error
	Decide(ctx context.Context, req service.DecideRequest) (service.DecideResult, error)
	DecideBatch(ctx context.Context, keys []string, subject string, requestContext core.EvaluationContext, defaults map[string]any) ([]service.DecideResult, error)
	RecordSample(ctx context.Context, sample repository.Sample) (repository.Sample, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.DecisionEvent, error)
}

var _ Service = (*service.Service)(nil)
