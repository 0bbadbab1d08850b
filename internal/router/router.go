// Package router plans and executes multi-brain retrieval. Given an analyzed
// intent it fans sub-queries out to the enabled brains in parallel, merges
// the results into one ranked list, and hands them to the synthesizer. One
// slow or failing brain degrades the answer; it never fails the query.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"nancy/internal/brain"
	"nancy/internal/cache"
	"nancy/internal/logging"
)

// Options configures the router. Zero values get sensible defaults.
type Options struct {
	TopK                 int
	ConfidenceThreshold  float64 // below this, widen recall
	MultiStepThreshold   float64
	GlobalTimeout        time.Duration
	BrainTimeout         time.Duration
	MaxConcurrent        int64
	EnableCache          bool
	MaxRelationshipDepth int
}

// Answer is the full outcome of one query. ID correlates log lines across
// the pipeline stages of a single request.
type Answer struct {
	ID        string            `json:"id"`
	Query     string            `json:"query"`
	Intent    brain.QueryIntent `json:"intent"`
	Results   []brain.Result    `json:"results"`
	Text      string            `json:"text"`
	TimedOut  []brain.Kind      `json:"timed_out,omitempty"`
	Failed    []brain.Kind      `json:"failed,omitempty"`
	Cancelled bool              `json:"cancelled,omitempty"`
	Timeout   bool              `json:"timeout,omitempty"`
	Cached    bool              `json:"cached,omitempty"`
	Elapsed   time.Duration     `json:"elapsed"`
}

// Router orchestrates the four brains for the query path.
type Router struct {
	vector     brain.VectorStore
	analytical brain.AnalyticalStore
	graph      brain.GraphStore
	linguistic brain.LinguisticModel

	cache cache.Cache
	opts  Options
	sem   *semaphore.Weighted
}

// New wires a router over the brains. cache may be nil when caching is off.
func New(vector brain.VectorStore, analytical brain.AnalyticalStore, graph brain.GraphStore, linguistic brain.LinguisticModel, queryCache cache.Cache, opts Options) *Router {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.5
	}
	if opts.MultiStepThreshold <= 0 {
		opts.MultiStepThreshold = 0.6
	}
	if opts.GlobalTimeout <= 0 {
		opts.GlobalTimeout = 30 * time.Second
	}
	if opts.BrainTimeout <= 0 {
		opts.BrainTimeout = 10 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.MaxRelationshipDepth <= 0 {
		opts.MaxRelationshipDepth = 3
	}
	return &Router{
		vector:     vector,
		analytical: analytical,
		graph:      graph,
		linguistic: linguistic,
		cache:      queryCache,
		opts:       opts,
		sem:        semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// Query runs the full pipeline: intent, plan, fan-out, merge, synthesis.
func (r *Router) Query(ctx context.Context, query string, history []string) (*Answer, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, brain.NewError(brain.KindQueryCancelled, err)
	}
	defer r.sem.Release(1)

	queryID := uuid.NewString()
	start := time.Now()
	defer func() { queryDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, r.opts.GlobalTimeout)
	defer cancel()

	intent, err := r.linguistic.AnalyzeIntent(ctx, query, history)
	if err != nil {
		// The analyzer's contract is to never fail, but defend anyway.
		logging.Get(logging.CategoryRouter).Warn("Intent analysis errored: %v", err)
		intent = brain.QueryIntent{QueryType: brain.QuerySemantic, Confidence: 0, Reasoning: "fallback"}
	}

	var key string
	if r.opts.EnableCache && r.cache != nil {
		key = cache.Key(query, intent, r.opts.TopK)
		if entry, ok := r.cache.Get(ctx, key); ok {
			cacheHits.Inc()
			return &Answer{
				ID:      queryID,
				Query:   query,
				Intent:  entry.Intent,
				Results: entry.Results,
				Text:    entry.Answer,
				Cached:  true,
				Elapsed: time.Since(start),
			}, nil
		}
	}

	answer := &Answer{ID: queryID, Query: query, Intent: intent}

	if multiStep(intent, r.opts.MultiStepThreshold) {
		r.executeMultiStep(ctx, query, intent, answer)
	} else {
		plan := BuildPlan(intent, r.opts.ConfidenceThreshold)
		logging.Get(logging.CategoryRouter).Info("[%s] Plan for %q (%s, %.2f): %v",
			queryID, query, intent.QueryType, intent.Confidence, plan.Brains())
		r.execute(ctx, query, intent, plan, answer)
	}

	if ctx.Err() != nil && answer.Text == "" {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			answer.Timeout = true
			logging.Get(logging.CategoryRouter).Warn("[%s] Query deadline expired with %d partial results", queryID, len(answer.Results))
		} else {
			answer.Cancelled = true
			logging.Get(logging.CategoryRouter).Warn("[%s] Query cancelled with %d partial results", queryID, len(answer.Results))
		}
		answer.Elapsed = time.Since(start)
		return answer, nil
	}

	if answer.Text == "" {
		text, err := r.linguistic.Synthesize(ctx, query, answer.Results, intent)
		if err != nil {
			logging.Get(logging.CategoryRouter).Warn("Synthesis failed: %v", err)
			text = renderRaw(answer.Results)
		}
		answer.Text = text
	}
	answer.Elapsed = time.Since(start)

	if key != "" && !answer.Cancelled && !answer.Timeout && len(answer.Failed) == 0 && len(answer.TimedOut) == 0 {
		r.cache.Set(ctx, key, cache.Entry{Answer: answer.Text, Results: answer.Results, Intent: intent})
	}

	queriesTotal.WithLabelValues(string(intent.QueryType)).Inc()
	return answer, nil
}

// execute fans out the planned sub-queries with per-brain timeouts and fills
// the answer with the merged result list.
func (r *Router) execute(ctx context.Context, query string, intent brain.QueryIntent, plan Plan, answer *Answer) {
	type subResult struct {
		kind     brain.Kind
		results  []brain.Result
		err      error
		timedOut bool
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out []subResult
	)

	dispatch := func(kind brain.Kind, fn func(context.Context) ([]brain.Result, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			brainCtx, cancel := context.WithTimeout(ctx, r.opts.BrainTimeout)
			defer cancel()

			results, err := fn(brainCtx)
			sr := subResult{kind: kind, results: results, err: err}
			if err != nil && brainCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				sr.timedOut = true
			}
			mu.Lock()
			out = append(out, sr)
			mu.Unlock()
		}()
	}

	if plan.Vector {
		dispatch(brain.KindVector, func(ctx context.Context) ([]brain.Result, error) {
			return r.queryVector(ctx, query, intent)
		})
	}
	if plan.Analytical {
		dispatch(brain.KindAnalytical, func(ctx context.Context) ([]brain.Result, error) {
			return r.queryAnalytical(ctx, intent)
		})
	}
	if plan.Graph {
		dispatch(brain.KindGraph, func(ctx context.Context) ([]brain.Result, error) {
			return r.queryGraph(ctx, query, intent)
		})
	}
	wg.Wait()

	var all []brain.Result
	for _, sr := range out {
		switch {
		case sr.timedOut:
			answer.TimedOut = append(answer.TimedOut, sr.kind)
			brainTimeouts.WithLabelValues(string(sr.kind)).Inc()
			logging.Get(logging.CategoryRouter).Warn("%s sub-query timed out after %v", sr.kind, r.opts.BrainTimeout)
		case sr.err != nil:
			answer.Failed = append(answer.Failed, sr.kind)
			logging.Get(logging.CategoryRouter).Warn("%s sub-query failed: %v", sr.kind, sr.err)
		default:
			all = append(all, sr.results...)
		}
	}

	answer.Results = Merge(all, r.opts.TopK)
}

// Merge ranks results by distance ascending (exact-match brains carry 0),
// deduplicates on the first 100 characters of the text, and truncates to k.
// The sort is stable so equal-distance results keep dispatch order.
func Merge(results []brain.Result, k int) []brain.Result {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})

	seen := make(map[string]bool, len(results))
	merged := make([]brain.Result, 0, len(results))
	for _, r := range results {
		key := r.Text
		if runes := []rune(key); len(runes) > 100 {
			key = string(runes[:100])
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, r)
		if len(merged) == k {
			break
		}
	}
	return merged
}

func renderRaw(results []brain.Result) string {
	if len(results) == 0 {
		return "No relevant information was found in the knowledge base for this question."
	}
	var b strings.Builder
	b.WriteString("Results:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(r.Text))
	}
	return b.String()
}
