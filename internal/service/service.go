package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/decidez/internal/cache"
	"github.com/matt-riley/decidez/internal/compose"
	"github.com/matt-riley/decidez/internal/repository"
	"github.com/matt-riley/decidez/internal/ruleset"
)

const (
	EventTypeUpdated      = "updated"
	EventTypeDeleted      = "deleted"
	bestEffortTimeout     = 2 * time.Second
	defaultResyncInterval = time.Minute
	cacheReloadTimeout    = 5 * time.Second
)

var (
	ErrDecisionNotFound  = errors.New("decision not found")
	ErrDecisionExists    = errors.New("decision already exists")
	ErrInvalidDefinition = ruleset.ErrInvalidDefinition
	ErrKeyRequired       = errors.New("decision key is required")
	ErrInvalidSample     = errors.New("invalid sample")
)

type Repository interface {
	CreateDecision(ctx context.Context, d repository.Decision) (repository.Decision, error)
	UpdateDecision(ctx context.Context, d repository.Decision) (repository.Decision, error)
	GetDecision(ctx context.Context, key string) (repository.Decision, error)
	ListDecisions(ctx context.Context) ([]repository.Decision, error)
	DeleteDecision(ctx context.Context, key string) error
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.DecisionEvent, error)
	PublishDecisionEvent(ctx context.Context, event repository.DecisionEvent) (repository.DecisionEvent, error)
	RecordSample(ctx context.Context, s repository.Sample) (repository.Sample, error)
	ListSamples(ctx context.Context, q repository.SampleQuery) ([]repository.Sample, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeDecisionInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// RuleSource supplies read-only decisions from outside the database, such as
// a watched rules file. Stored decisions with the same key take precedence.
type RuleSource interface {
	Decisions() []*ruleset.Compiled
	compose.Notifier
}

type entry struct {
	record   repository.Decision
	compiled *ruleset.Compiled
}

type Service struct {
	repo   Repository
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]entry
	files map[string]*ruleset.Compiled

	rules          RuleSource
	evalCache      *cache.Cache
	ambient        []compose.Provider
	subjects       func(subject string) compose.Provider
	compileOpts    []ruleset.CompileOption
	launched       time.Time
	now            func() time.Time
	resyncInterval time.Duration

	onCacheLoad         func()
	onCacheInvalidation func()
	onCacheSize         func(size int)
	onEvaluation        func(strategy, outcome string, elapsed time.Duration)
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCacheMetrics registers callbacks for decision cache reloads, NOTIFY
// invalidations and the cache size after each reload. Nil callbacks are
// ignored.
func WithCacheMetrics(onLoad, onInvalidation func(), onSize func(size int)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
		s.onCacheSize = onSize
	}
}

// WithEvaluationMetrics registers a callback invoked after every decision.
func WithEvaluationMetrics(fn func(strategy, outcome string, elapsed time.Duration)) Option {
	return func(s *Service) { s.onEvaluation = fn }
}

// WithEvaluationCache memoizes cacheable boolean decisions per subject.
func WithEvaluationCache(c *cache.Cache) Option {
	return func(s *Service) { s.evalCache = c }
}

// WithAmbientProviders adds providers composed ahead of every request, such
// as process runtime facts.
func WithAmbientProviders(providers ...compose.Provider) Option {
	return func(s *Service) { s.ambient = append(s.ambient, providers...) }
}

// WithSubjectProvider resolves per-subject state composed between the
// ambient providers and the request.
func WithSubjectProvider(fn func(subject string) compose.Provider) Option {
	return func(s *Service) { s.subjects = fn }
}

// WithRuleSource layers file-defined decisions beneath stored ones.
func WithRuleSource(source RuleSource) Option {
	return func(s *Service) { s.rules = source }
}

// WithCompileOptions passes opts to every compilation of stored decisions.
func WithCompileOptions(opts ...ruleset.CompileOption) Option {
	return func(s *Service) { s.compileOpts = append(s.compileOpts, opts...) }
}

// WithLaunchTime sets the launch time used when a request omits one.
func WithLaunchTime(t time.Time) Option {
	return func(s *Service) { s.launched = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithResyncInterval sets how often the decision cache is reloaded in full.
func WithResyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resyncInterval = d
		}
	}
}

// New loads every stored decision and, when repo supports it, subscribes to
// change notifications until ctx is done.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		logger:         slog.Default(),
		cache:          make(map[string]entry),
		now:            time.Now,
		resyncInterval: defaultResyncInterval,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.launched.IsZero() {
		svc.launched = svc.now()
	}
	svc.compileOpts = append([]ruleset.CompileOption{ruleset.WithClock(svc.now)}, svc.compileOpts...)

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if svc.rules != nil {
		svc.setFileDecisions(svc.rules.Decisions())
		go svc.watchRuleSource(ctx)
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache replaces the compiled decision cache with the stored decisions.
// Rows whose documents no longer compile are skipped and logged.
func (s *Service) LoadCache(ctx context.Context) error {
	decisions, err := s.repo.ListDecisions(ctx)
	if err != nil {
		return fmt.Errorf("load decisions: %w", err)
	}
	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}

	next := make(map[string]entry, len(decisions))
	for _, d := range decisions {
		compiled, err := s.compile(d)
		if err != nil {
			s.logger.Warn("skipping stored decision", "key", d.Key, "error", err)
			continue
		}
		next[d.Key] = entry{record: d, compiled: compiled}
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheSize != nil {
		s.onCacheSize(len(next))
	}
	s.clearEvaluations()

	return nil
}

func (s *Service) CreateDecision(ctx context.Context, d repository.Decision) (repository.Decision, error) {
	d, compiled, err := s.prepare(d)
	if err != nil {
		return repository.Decision{}, err
	}

	created, err := s.repo.CreateDecision(ctx, d)
	if errors.Is(err, repository.ErrDuplicateKey) {
		return repository.Decision{}, ErrDecisionExists
	}
	if err != nil {
		return repository.Decision{}, fmt.Errorf("create decision: %w", err)
	}

	s.setCached(created, compiled)
	s.publishEventBestEffort(ctx, EventTypeUpdated, created)

	return created, nil
}

func (s *Service) UpdateDecision(ctx context.Context, d repository.Decision) (repository.Decision, error) {
	d, compiled, err := s.prepare(d)
	if err != nil {
		return repository.Decision{}, err
	}

	updated, err := s.repo.UpdateDecision(ctx, d)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCached(d.Key)
			return repository.Decision{}, ErrDecisionNotFound
		}
		return repository.Decision{}, fmt.Errorf("update decision: %w", err)
	}

	s.setCached(updated, compiled)
	s.publishEventBestEffort(ctx, EventTypeUpdated, updated)

	return updated, nil
}

func (s *Service) GetDecision(ctx context.Context, key string) (repository.Decision, error) {
	if strings.TrimSpace(key) == "" {
		return repository.Decision{}, ErrKeyRequired
	}

	if e, ok := s.getCached(key); ok {
		return e.record, nil
	}

	d, err := s.repo.GetDecision(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Decision{}, ErrDecisionNotFound
		}
		return repository.Decision{}, fmt.Errorf("get decision: %w", err)
	}

	compiled, err := s.compile(d)
	if err != nil {
		return repository.Decision{}, fmt.Errorf("decision %q: %w", key, err)
	}
	s.setCached(d, compiled)
	return d, nil
}

func (s *Service) ListDecisions(_ context.Context) ([]repository.Decision, error) {
	s.mu.RLock()
	decisions := make([]repository.Decision, 0, len(s.cache))
	for _, e := range s.cache {
		decisions = append(decisions, e.record)
	}
	s.mu.RUnlock()

	sort.Slice(decisions, func(i, j int) bool {
		return decisions[i].Key < decisions[j].Key
	})

	return decisions, nil
}

func (s *Service) DeleteDecision(ctx context.Context, key string) error {
	existing, err := s.GetDecision(ctx, key)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteDecision(ctx, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCached(key)
			return ErrDecisionNotFound
		}
		return fmt.Errorf("delete decision: %w", err)
	}

	s.deleteCached(key)
	s.publishEventBestEffort(ctx, EventTypeDeleted, existing)

	return nil
}

func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.DecisionEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}
	return events, nil
}

// prepare validates the document of d and aligns its key and description with
// the definition.
func (s *Service) prepare(d repository.Decision) (repository.Decision, *ruleset.Compiled, error) {
	def, err := ruleset.ParseDefinition(d.Document)
	if err != nil {
		return repository.Decision{}, nil, err
	}

	if d.Key == "" {
		d.Key = def.Key
	}
	if def.Key == "" {
		def.Key = d.Key
	}
	if strings.TrimSpace(d.Key) == "" {
		return repository.Decision{}, nil, ErrKeyRequired
	}
	if def.Key != d.Key {
		return repository.Decision{}, nil, fmt.Errorf("%w: document key %q does not match %q", ErrInvalidDefinition, def.Key, d.Key)
	}
	if d.Description == "" {
		d.Description = def.Description
	}

	compiled, err := ruleset.Compile(def, s.compileOpts...)
	if err != nil {
		return repository.Decision{}, nil, err
	}

	document, err := json.Marshal(def)
	if err != nil {
		return repository.Decision{}, nil, fmt.Errorf("encode definition: %w", err)
	}
	d.Document = document

	return d, compiled, nil
}

func (s *Service) compile(d repository.Decision) (*ruleset.Compiled, error) {
	def, err := ruleset.ParseDefinition(d.Document)
	if err != nil {
		return nil, err
	}
	if def.Key == "" {
		def.Key = d.Key
	}
	return ruleset.Compile(def, s.compileOpts...)
}

func (s *Service) getCached(key string) (entry, bool) {
	s.mu.RLock()
	e, ok := s.cache[key]
	s.mu.RUnlock()

	return e, ok
}

// lookup resolves a decision from the database cache, then the rule source.
func (s *Service) lookup(key string) (entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.cache[key]; ok {
		return e, true
	}
	if compiled, ok := s.files[key]; ok {
		return entry{
			record:   repository.Decision{Key: key, Description: compiled.Definition().Description, Enabled: true},
			compiled: compiled,
		}, true
	}
	return entry{}, false
}

func (s *Service) setCached(d repository.Decision, compiled *ruleset.Compiled) {
	s.mu.Lock()
	s.cache[d.Key] = entry{record: d, compiled: compiled}
	s.mu.Unlock()
	s.clearEvaluations()
}

func (s *Service) deleteCached(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	s.clearEvaluations()
}

func (s *Service) setFileDecisions(decisions []*ruleset.Compiled) {
	next := make(map[string]*ruleset.Compiled, len(decisions))
	for _, c := range decisions {
		next[c.Key()] = c
	}

	s.mu.Lock()
	s.files = next
	s.mu.Unlock()
	s.clearEvaluations()
}

// clearEvaluations drops memoized results; they may refer to superseded
// definitions.
func (s *Service) clearEvaluations() {
	if s.evalCache != nil {
		s.evalCache.ClearAll()
	}
}

func (s *Service) watchRuleSource(ctx context.Context) {
	changes := s.rules.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			s.setFileDecisions(s.rules.Decisions())
		}
	}
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeDecisionInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeDecisionInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeDecisionInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidation != nil {
					s.onCacheInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) publishEventBestEffort(ctx context.Context, eventType string, d repository.Decision) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.publishEvent(publishCtx, eventType, d); err != nil {
		s.logger.Warn("publish decision event failed", "key", d.Key, "event_type", eventType, "error", err)
	}
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil {
		s.logger.Warn("decision cache reload failed", "error", err)
	}
}

func (s *Service) publishEvent(ctx context.Context, eventType string, d repository.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishDecisionEvent(ctx, repository.DecisionEvent{
		DecisionKey: d.Key,
		EventType:   eventType,
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}
