package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/metrics"
	"github.com/roach88/rulebox/internal/rules"
	"github.com/roach88/rulebox/internal/services"
)

// Context variables seen by rule-interpreted query resolvers.
const (
	VarQuery  = "query"
	VarResult = "result"
)

// Resolver answers a query.
type Resolver interface {
	Resolve(ctx context.Context, q message.Query, deps rules.Dependencies) (any, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, q message.Query, deps rules.Dependencies) (any, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, q message.Query, deps rules.Dependencies) (any, error) {
	return f(ctx, q, deps)
}

// RuleResolver runs a read-only rule program. The program sees the payload
// as query and the metadata as meta; the final result variable is the answer.
type RuleResolver struct {
	in   *rules.Interpreter
	prog rules.Program
}

// NewRuleResolver validates prog as a query resolver.
func NewRuleResolver(in *rules.Interpreter, prog rules.Program) (*RuleResolver, error) {
	if err := rules.Validate(prog, rules.KindQueryResolver); err != nil {
		return nil, err
	}
	return &RuleResolver{in: in, prog: prog}, nil
}

// Resolve runs the program.
func (r *RuleResolver) Resolve(ctx context.Context, q message.Query, deps rules.Dependencies) (any, error) {
	res, err := r.in.Run(ctx, r.prog, map[string]any{
		VarQuery: q.Payload,
		VarMeta:  q.Meta,
	}, deps)
	if err != nil {
		return nil, err
	}
	return res.Context[VarResult], nil
}

// QueryBus routes queries to resolvers by name.
type QueryBus struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
	services  *services.Registry
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewQueryBus creates a query bus resolving services through reg.
func NewQueryBus(reg *services.Registry, logger *slog.Logger, m *metrics.Metrics) *QueryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryBus{
		resolvers: make(map[string]Resolver),
		services:  reg,
		logger:    logger,
		metrics:   m,
	}
}

// Register adds the resolver for query name.
func (b *QueryBus) Register(name string, r Resolver) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.resolvers[name]; ok {
		return errs.Duplicate("query resolver %s already registered", name)
	}
	b.resolvers[name] = r
	return nil
}

// Dispatch resolves q. A missing resolver is a ServiceResolution error;
// NotFound errors from the resolver keep their code.
func (b *QueryBus) Dispatch(ctx context.Context, q message.Query) (any, error) {
	b.mu.RLock()
	r, ok := b.resolvers[q.Name]
	b.mu.RUnlock()
	if !ok {
		b.metrics.ObserveQuery(q.Name, metrics.OutcomeFailed)
		return nil, errs.ServiceResolution("query resolver", q.Name)
	}

	out, err := r.Resolve(ctx, q, b.services.Deps())
	if err != nil {
		b.metrics.ObserveQuery(q.Name, metrics.OutcomeFailed)
		if errs.IsNotFound(err) {
			b.logger.Debug("query found nothing", "query", q.Name, "error", err)
		}
		return nil, fmt.Errorf("query %s: %w", q.Name, err)
	}
	b.metrics.ObserveQuery(q.Name, metrics.OutcomeSuccess)
	return out, nil
}
