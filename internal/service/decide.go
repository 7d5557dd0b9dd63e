package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/decidez/internal/cache"
	"github.com/matt-riley/decidez/internal/compose"
	"github.com/matt-riley/decidez/internal/core"
	"github.com/matt-riley/decidez/internal/decision"
	"github.com/matt-riley/decidez/internal/provider"
	"github.com/matt-riley/decidez/internal/repository"
	"github.com/matt-riley/decidez/internal/ruleset"
)

// Reasons reported with a decision result.
const (
	ReasonMatched  = "matched"
	ReasonNoMatch  = "no_match"
	ReasonDisabled = "disabled"
	ReasonNotFound = "not_found"
)

const tracerName = "github.com/matt-riley/decidez/internal/service"

// DecideRequest asks for one decision. Context carries request-scoped state
// and wins over every other provider when merged. Subject selects per-subject
// state from the subject provider and scopes memoized results.
type DecideRequest struct {
	Key     string
	Subject string
	Context core.EvaluationContext
	Default any
}

type DecideResult struct {
	Key      string `json:"key"`
	Value    any    `json:"value"`
	Matched  bool   `json:"matched"`
	Reason   string `json:"reason"`
	Strategy string `json:"strategy,omitempty"`
	Cached   bool   `json:"cached,omitempty"`
}

// Decide evaluates one decision. Unknown keys yield the default with reason
// not_found; every failure while gathering state degrades to the request
// context alone and the decision still runs.
func (s *Service) Decide(ctx context.Context, req DecideRequest) (DecideResult, error) {
	if strings.TrimSpace(req.Key) == "" {
		return DecideResult{}, ErrKeyRequired
	}

	e, ok := s.lookup(req.Key)
	if !ok {
		return DecideResult{Key: req.Key, Value: req.Default, Reason: ReasonNotFound}, nil
	}

	return s.decide(ctx, e, req, s.lazyContext(ctx, req.Subject, req.Context)), nil
}

// DecideBatch evaluates several decisions against one merged context. Unknown
// keys yield their default with reason not_found.
func (s *Service) DecideBatch(ctx context.Context, keys []string, subject string, requestContext core.EvaluationContext, defaults map[string]any) ([]DecideResult, error) {
	if len(keys) == 0 {
		return nil, ErrKeyRequired
	}

	evaluation := s.lazyContext(ctx, subject, requestContext)

	results := make([]DecideResult, 0, len(keys))
	for _, key := range keys {
		req := DecideRequest{Key: key, Subject: subject, Context: requestContext, Default: defaults[key]}
		e, ok := s.lookup(key)
		if !ok {
			results = append(results, DecideResult{Key: key, Value: req.Default, Reason: ReasonNotFound})
			continue
		}
		results = append(results, s.decide(ctx, e, req, evaluation))
	}

	return results, nil
}

// lazyContext composes the evaluation context on first use, so memoized and
// disabled decisions never reach the providers.
func (s *Service) lazyContext(ctx context.Context, subject string, requestContext core.EvaluationContext) func() core.EvaluationContext {
	return sync.OnceValue(func() core.EvaluationContext {
		return s.context(ctx, subject, requestContext)
	})
}

// memoKey scopes a memoized result to the decision, the subject and the
// request context. Contexts that cannot be encoded are not memoized.
func memoKey(req DecideRequest) (string, bool) {
	data, err := json.Marshal(req.Context)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return req.Key + ":" + req.Subject + ":" + hex.EncodeToString(sum[:16]), true
}

func (s *Service) decide(ctx context.Context, e entry, req DecideRequest, evaluation func() core.EvaluationContext) DecideResult {
	started := time.Now()
	compiled := e.compiled
	strategy := string(compiled.Strategy())

	ctx, span := otel.Tracer(tracerName).Start(ctx, "decide", trace.WithAttributes(
		attribute.String("decision.key", req.Key),
		attribute.String("decision.strategy", strategy),
	))
	defer span.End()

	result := DecideResult{Key: req.Key, Strategy: strategy}

	switch {
	case !e.record.Enabled:
		result.Value, result.Reason = req.Default, ReasonDisabled
	case compiled.Cacheable() && s.evalCache != nil:
		cacheKey, ok := memoKey(req)
		if !ok {
			result = s.evaluate(ctx, compiled, req, evaluation(), result)
			break
		}
		result.Cached = s.evalCache.IsCached(cacheKey)
		memo := cache.NewCached(s.evalCache, cacheKey, compiled.CacheTTL(), compiled.Condition()).
			WithContextFactory(evaluation)
		result.Value, result.Matched, result.Reason = memo.Evaluate(), true, ReasonMatched
	default:
		result = s.evaluate(ctx, compiled, req, evaluation(), result)
	}

	span.SetAttributes(
		attribute.String("decision.reason", result.Reason),
		attribute.Bool("decision.cached", result.Cached),
	)
	if s.onEvaluation != nil {
		s.onEvaluation(strategy, result.Reason, time.Since(started))
	}

	return result
}

func (s *Service) evaluate(ctx context.Context, compiled *ruleset.Compiled, req DecideRequest, evaluation core.EvaluationContext, result DecideResult) DecideResult {
	value, ok := compiled.Decision(s.samplesFor(ctx, compiled, evaluation.CurrentTime())).Decide(evaluation)
	if ok {
		result.Value, result.Matched, result.Reason = value, true, ReasonMatched
	} else {
		result.Value, result.Reason = req.Default, ReasonNoMatch
	}
	return result
}

// context composes ambient, subject and request state, latest wins.
func (s *Service) context(ctx context.Context, subject string, requestContext core.EvaluationContext) core.EvaluationContext {
	request := provider.NewRequest(provider.FillTimes(requestContext, s.now(), s.launched))

	providers := make([]compose.Provider, 0, len(s.ambient)+2)
	providers = append(providers, s.ambient...)
	if s.subjects != nil && subject != "" {
		if p := s.subjects(subject); p != nil {
			providers = append(providers, p)
		}
	}
	providers = append(providers, request)

	composer := compose.New(compose.PreferLast(), providers...)
	merged, err := composer.CurrentContextAsync(ctx)
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		s.logger.Warn("compose evaluation context failed", "subject", subject, "error", err)
		return request.CurrentContext()
	}
	return merged
}

// samplesFor loads the stored samples a historical decision reads. Errors
// leave the decision without data, so it falls through to its fallback.
func (s *Service) samplesFor(ctx context.Context, compiled *ruleset.Compiled, now time.Time) decision.DataProvider {
	series, window, ok := compiled.Series()
	if !ok {
		return nil
	}

	query := repository.SampleQuery{Series: series, Limit: window.Count()}
	if since, ok := window.Since(now); ok {
		query.Since = since
	}

	samples, err := s.repo.ListSamples(ctx, query)
	if err != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load samples")
		s.logger.Warn("load decision samples failed", "key", compiled.Key(), "series", series, "error", err)
		return nil
	}

	out := decision.NewSeries(0)
	for _, sample := range samples {
		out.Record(sample.RecordedAt, sample.Value)
	}
	return out
}

// RecordSample stores an observation for historical decisions. A zero
// RecordedAt is stamped by the database.
func (s *Service) RecordSample(ctx context.Context, sample repository.Sample) (repository.Sample, error) {
	if strings.TrimSpace(sample.Series) == "" {
		return repository.Sample{}, fmt.Errorf("%w: series is required", ErrInvalidSample)
	}
	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		return repository.Sample{}, fmt.Errorf("%w: value must be finite", ErrInvalidSample)
	}

	recorded, err := s.repo.RecordSample(ctx, sample)
	if err != nil {
		return repository.Sample{}, fmt.Errorf("record sample: %w", err)
	}
	return recorded, nil
}
