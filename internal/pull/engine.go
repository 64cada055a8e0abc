package pull

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/seenimoa/macropanel/internal/fetch"
	"github.com/seenimoa/macropanel/internal/infra"
	"github.com/seenimoa/macropanel/internal/sdmx"
	"github.com/seenimoa/macropanel/internal/tidy"
)

// Doer performs one logical request with retries.
type Doer interface {
	Do(ctx context.Context, req fetch.Request) ([]byte, error)
}

// Engine executes Specs. It is safe for concurrent use.
type Engine struct {
	client  Doer
	cache   *sdmx.StructureCache
	log     zerolog.Logger
	metrics *infra.Metrics
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics records produced rows and recorded failures.
func WithMetrics(m *infra.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine. A nil cache keeps structures in memory only.
func NewEngine(client Doer, cache *sdmx.StructureCache, opts ...Option) *Engine {
	if cache == nil {
		cache = sdmx.NewStructureCache(sdmx.CacheOptions{})
	}
	e := &Engine{client: client, cache: cache, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Client returns the request executor.
func (e *Engine) Client() Doer { return e.client }

// Cache returns the structure cache.
func (e *Engine) Cache() *sdmx.StructureCache { return e.cache }

// Task is one data request of a plan.
type Task struct {
	Key string
	// Entity describes the axis codes of the task, e.g. "REF_AREA=FRA".
	Entity string
}

// Plan is the resolved form of a Spec.
type Plan struct {
	Catalog   *sdmx.Catalog
	Reference sdmx.Reference
	// Dimensions maps each resolved role to its dimension id.
	Dimensions map[string]string
	Base       sdmx.Overrides
	Tasks      []Task
	Params     url.Values
}

// Result is the outcome of Run.
type Result struct {
	Table *tidy.Table
	Plan  *Plan
	// Skipped lists the keys that returned no observations.
	Skipped  []string
	Failures []Failure
}

// Plan resolves spec against its dataflow without fetching data.
func (e *Engine) Plan(ctx context.Context, spec Spec) (*Plan, error) {
	cat, ref, err := e.Catalog(ctx, spec)
	if err != nil {
		return nil, err
	}
	return e.plan(cat, ref, spec)
}

func (e *Engine) plan(cat *sdmx.Catalog, ref sdmx.Reference, spec Spec) (*Plan, error) {
	tmpl := ref.Key
	if len(tmpl) != cat.Len() {
		return nil, &sdmx.StructureError{
			Flow:   cat.Flow(),
			Detail: fmt.Sprintf("reference key has %d segments, catalog has %d dimensions", len(tmpl), cat.Len()),
		}
	}
	dims, err := sdmx.ResolveRoles(cat, spec.Roles)
	if err != nil {
		return nil, err
	}

	base := sdmx.Overrides{}
	for _, req := range spec.Requirements {
		id, ok := dims[req.Role]
		if !ok {
			continue
		}
		if len(req.Codes) > 0 {
			base.Set(id, req.Codes...)
			continue
		}
		if req.Match == nil {
			continue
		}
		dim, _ := cat.Dimension(id)
		code, ok, err := sdmx.Match(dim, *req.Match)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.log.Debug().Str("pull", spec.ID).Str("dimension", id).Msg("no code matched, keeping template token")
			continue
		}
		base.Set(id, code)
	}

	type axisValues struct {
		dim     string
		batches [][]string
	}
	axes := make([]axisValues, 0, len(spec.Axes))
	for _, ax := range spec.Axes {
		id, ok := dims[ax.Role]
		if !ok {
			if ax.Strict || len(ax.Codes) > 0 {
				return nil, &sdmx.StructureError{Flow: cat.Flow(), Role: ax.Role, Detail: "iterated role did not resolve to a dimension"}
			}
			continue
		}
		codes, err := e.axisCodes(cat, id, ax, spec.ID)
		if err != nil {
			return nil, err
		}
		axes = append(axes, axisValues{dim: id, batches: Batch(codes, ax.BatchSize)})
	}

	var tasks []Task
	var walk func(level int, ov sdmx.Overrides, entity []string) error
	walk = func(level int, ov sdmx.Overrides, entity []string) error {
		if level == len(axes) {
			key, err := sdmx.BuildKey(cat.Order(), tmpl, ov)
			if err != nil {
				return err
			}
			tasks = append(tasks, Task{Key: key, Entity: strings.Join(entity, ",")})
			return nil
		}
		ax := axes[level]
		for _, batch := range ax.batches {
			next := ov.Clone()
			next.Set(ax.dim, batch...)
			label := ax.dim + "=" + strings.Join(batch, sdmx.UnionSeparator)
			if err := walk(level+1, next, append(entity[:len(entity):len(entity)], label)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(0, base, nil); err != nil {
		return nil, err
	}

	return &Plan{
		Catalog:    cat,
		Reference:  ref,
		Dimensions: dims,
		Base:       base,
		Tasks:      tasks,
		Params:     queryParams(ref.Params, spec),
	}, nil
}

func (e *Engine) axisCodes(cat *sdmx.Catalog, id string, ax Axis, pullID string) ([]string, error) {
	dim, _ := cat.Dimension(id)
	if len(ax.Codes) == 0 {
		if len(dim.Codes) == 0 {
			return nil, &sdmx.StructureError{Flow: cat.Flow(), Role: ax.Role, Detail: "dimension " + id + " has no codes to iterate"}
		}
		return dim.CodeIDs(), nil
	}

	seen := make(map[string]struct{}, len(ax.Codes))
	var codes, missing []string
	for _, c := range ax.Codes {
		use := c
		if !dim.Has(c) {
			alt, ok := ax.Aliases[c]
			if !ok || !dim.Has(alt) {
				missing = append(missing, c)
				continue
			}
			use = alt
		}
		if _, dup := seen[use]; dup {
			continue
		}
		seen[use] = struct{}{}
		codes = append(codes, use)
	}
	if len(missing) > 0 && ax.Strict {
		n := min(5, len(dim.Codes))
		return nil, &sdmx.CodeResolutionError{Dimension: id, Preferred: missing, Sample: dim.Codes[:n]}
	}
	if len(codes) == 0 {
		return nil, &sdmx.StructureError{Flow: cat.Flow(), Role: ax.Role, Detail: "none of the requested codes exist in dimension " + id}
	}
	if len(missing) > 0 {
		e.log.Warn().Str("pull", pullID).Str("dimension", id).Strs("missing", missing).Msg("requested codes not in dataflow")
	}
	return codes, nil
}

// Batch splits codes into groups of at most size; size <= 1 yields one
// group per code.
func Batch(codes []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	out := make([][]string, 0, (len(codes)+size-1)/size)
	for i := 0; i < len(codes); i += size {
		end := min(i+size, len(codes))
		out = append(out, codes[i:end:end])
	}
	return out
}

func queryParams(base url.Values, spec Spec) url.Values {
	params := url.Values{}
	for k, v := range base {
		params[k] = append([]string(nil), v...)
	}
	for k, v := range spec.Params {
		params[k] = append([]string(nil), v...)
	}
	if spec.Start != "" {
		params.Set("startPeriod", spec.Start)
	}
	if spec.End != "" {
		params.Set("endPeriod", spec.End)
	}
	params.Set("dimensionAtObservation", "AllDimensions")
	return params
}

type taskResult struct {
	obs     []sdmx.Observation
	failure *Failure
}

// Run executes spec. Entities that return no observations are listed in
// Result.Skipped. A failing request aborts the run unless ContinueOnError
// is set, in which case it is recorded in Result.Failures.
func (e *Engine) Run(ctx context.Context, spec Spec) (*Result, error) {
	plan, err := e.Plan(ctx, spec)
	if err != nil {
		return nil, err
	}
	log := e.log.With().Str("pull", spec.ID).Logger()
	log.Info().Int("requests", len(plan.Tasks)).Str("flow", plan.Reference.Flow).Msg("pull started")

	results := make([]taskResult, len(plan.Tasks))
	pacer := infra.NewPacer(spec.Pause)
	run := func(ctx context.Context, i int) error {
		if err := pacer.Wait(ctx); err != nil {
			return err
		}
		task := plan.Tasks[i]
		u := plan.Reference.DataURL(task.Key)
		accept := spec.Accept
		if accept == "" {
			accept = AcceptDataJSON
		}
		body, err := e.client.Do(ctx, fetch.Request{URL: u, Params: plan.Params, Kind: fetch.KindJSON, Accept: accept})
		if err == nil {
			results[i].obs, err = sdmx.DecodeData(body)
		}
		if err == nil || isNotFound(err) {
			log.Debug().Str("key", task.Key).Int("rows", len(results[i].obs)).Msg("fetched")
			return nil
		}
		if spec.ContinueOnError && ctx.Err() == nil {
			log.Warn().Err(err).Str("key", task.Key).Msg("request failed, continuing")
			e.metrics.IncPullFailure(spec.ID)
			results[i].failure = &Failure{Key: task.Key, URL: u, Err: err}
			return nil
		}
		return pkgerrors.Wrapf(err, "pull %s key %s", spec.ID, task.Key)
	}

	if spec.Concurrency > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(spec.Concurrency)
		for i := range plan.Tasks {
			g.Go(func() error { return run(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range plan.Tasks {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := run(ctx, i); err != nil {
				return nil, err
			}
		}
	}

	res := &Result{Table: tidy.New(), Plan: plan}
	for i, r := range results {
		switch {
		case r.failure != nil:
			res.Failures = append(res.Failures, *r.failure)
		case len(r.obs) == 0:
			res.Skipped = append(res.Skipped, plan.Tasks[i].Key)
		default:
			res.Table.AppendObservations(r.obs, spec.Rename)
		}
	}
	if res.Table.Len() == 0 {
		res.Table = tidy.New(spec.Columns...)
	}
	e.metrics.AddRows(spec.ID, res.Table.Len())
	log.Info().
		Int("rows", res.Table.Len()).
		Int("skipped", len(res.Skipped)).
		Int("failures", len(res.Failures)).
		Msg("pull finished")
	return res, nil
}

// FailureError joins recorded failures into one error, nil when there are
// none.
func (r *Result) FailureError() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
