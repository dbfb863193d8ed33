package categorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RuleSource supplies the active rules.
type RuleSource interface {
	ListActiveRules(ctx context.Context) ([]RuleDefinition, error)
}

var ErrRuleNotFound = errors.New("categorize: rule not found")

// RuleStore is the administrative CRUD surface for rules.
type RuleStore interface {
	RuleSource
	ListRules(ctx context.Context) ([]RuleDefinition, error)
	// GetRule and DeleteRule return ErrRuleNotFound for unknown ids.
	GetRule(ctx context.Context, id string) (RuleDefinition, error)
	// SaveRule inserts the rule, or updates it when def.ID already exists.
	// An empty ID is assigned. The saved rule is returned.
	SaveRule(ctx context.Context, def RuleDefinition) (RuleDefinition, error)
	DeleteRule(ctx context.Context, id string) error
}

// DefaultCacheTTL is how long an Engine reuses compiled rules.
const DefaultCacheTTL = time.Minute

// Engine loads, compiles and caches the active rule set and evaluates items
// against it. It never writes rules.
type Engine struct {
	source RuleSource
	ttl    time.Duration
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	rules    []Rule
	loadedAt time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCacheTTL sets how long compiled rules are reused. Zero disables caching.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.ttl = ttl }
}

// WithLogger sets the logger used to report rule warnings.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the clock used for cache expiry.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func NewEngine(source RuleSource, opts ...EngineOption) *Engine {
	e := &Engine{
		source: source,
		ttl:    DefaultCacheTTL,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Categorize classifies item against the current active rules.
func (e *Engine) Categorize(ctx context.Context, item Item) (Result, error) {
	rules, err := e.load(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Categorize(item, rules)
	for _, w := range res.Warnings {
		e.logger.WarnContext(ctx, "skipping invalid categorization rule",
			"rule_id", w.RuleID, "condition", w.Key, "reason", w.Message)
	}
	return res, nil
}

// Invalidate drops the cached rules so the next call reloads them.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.rules = nil
	e.loadedAt = time.Time{}
	e.mu.Unlock()
}

func (e *Engine) load(ctx context.Context) ([]Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	if e.rules != nil && e.ttl > 0 && now.Sub(e.loadedAt) < e.ttl {
		return e.rules, nil
	}

	defs, err := e.source.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load categorization rules: %w", err)
	}
	rules, _ := CompileAll(SortRules(defs))
	e.rules = rules
	e.loadedAt = now
	return rules, nil
}
