package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dez2003/bio-for-dummies/internal/agent"
)

var tracer = otel.Tracer("github.com/dez2003/bio-for-dummies/internal/retrieval")

// Options tune the aggregator. Zero values take the defaults.
type Options struct {
	// Timeout bounds each provider call independently.
	Timeout time.Duration
	// CacheTTL keeps successful results per term; zero disables caching.
	CacheTTL time.Duration
}

// Aggregator fans a term out to three providers and merges what comes back.
// Encyclopedia wins the summary, then Protein, then the first Literature hit.
// Sources are ordered Encyclopedia, all Literature, then Protein.
type Aggregator struct {
	Encyclopedia Provider
	Protein      Provider
	Literature   Provider

	timeout time.Duration
	cache   *cache.Cache
	log     *zap.Logger
}

func NewAggregator(encyclopedia, protein, literature Provider, opts Options, logger *zap.Logger) *Aggregator {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		Encyclopedia: encyclopedia,
		Protein:      protein,
		Literature:   literature,
		timeout:      opts.Timeout,
		log:          logger,
	}
	if opts.CacheTTL > 0 {
		a.cache = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return a
}

// FallbackSummary is used when no provider produced a snippet.
func FallbackSummary(term string) string {
	return fmt.Sprintf("Information about %s from various biomedical sources.", term)
}

// Retrieve never fails: a provider error or timeout only removes that provider's results.
func (a *Aggregator) Retrieve(ctx context.Context, term string) agent.RetrievalResult {
	ctx, span := tracer.Start(ctx, "retrieval.aggregate")
	defer span.End()

	key := strings.ToLower(strings.TrimSpace(term))
	if a.cache != nil {
		if v, ok := a.cache.Get(key); ok {
			span.SetAttributes(attribute.Bool("retrieval.cached", true))
			return v.(agent.RetrievalResult)
		}
	}

	lookup := SearchTerm(term)
	var encyclopedia, protein, literature []agent.SourceResult
	var g errgroup.Group
	g.Go(func() error { encyclopedia = a.lookup(ctx, a.Encyclopedia, lookup); return nil })
	g.Go(func() error { protein = a.lookup(ctx, a.Protein, lookup); return nil })
	g.Go(func() error { literature = a.lookup(ctx, a.Literature, lookup); return nil })
	_ = g.Wait()

	res := merge(term, encyclopedia, protein, literature)
	span.SetAttributes(attribute.Int("retrieval.sources", len(res.Sources)))
	a.log.Info("retrieved sources", zap.String("term", lookup), zap.Int("sources", len(res.Sources)))
	if a.cache != nil && len(res.Sources) > 0 {
		a.cache.Set(key, res, cache.DefaultExpiration)
	}
	return res
}

// lookup runs one provider under its own timeout and reduces every failure to absence.
func (a *Aggregator) lookup(ctx context.Context, p Provider, term string) (out []agent.SourceResult) {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "retrieval."+p.Name(), trace.WithAttributes(attribute.String("retrieval.term", term)))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("provider panic", zap.String("provider", p.Name()), zap.Any("panic", r))
			out = nil
		}
	}()
	res, err := p.Lookup(ctx, term)
	if err != nil {
		span.RecordError(err)
		a.log.Warn("provider failed", zap.String("provider", p.Name()), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return nil
	}
	return res
}

func merge(term string, encyclopedia, protein, literature []agent.SourceResult) agent.RetrievalResult {
	sources := make([]agent.SourceResult, 0, len(encyclopedia)+len(literature)+len(protein))
	sources = append(sources, first(encyclopedia)...)
	sources = append(sources, literature...)
	sources = append(sources, first(protein)...)

	summary := FallbackSummary(term)
	switch {
	case len(encyclopedia) > 0 && encyclopedia[0].Snippet != "":
		summary = encyclopedia[0].Snippet
	case len(protein) > 0 && protein[0].Snippet != "":
		summary = protein[0].Snippet
	case len(literature) > 0 && literature[0].Snippet != "":
		summary = literature[0].Snippet
	}
	return agent.RetrievalResult{Summary: summary, Sources: sources}
}

// first keeps at most one result from a single-result provider.
func first(rs []agent.SourceResult) []agent.SourceResult {
	if len(rs) > 1 {
		return rs[:1]
	}
	return rs
}
