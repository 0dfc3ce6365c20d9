package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"goa.design/conductor/runtime/breaker"
	"goa.design/conductor/runtime/clock"
	"goa.design/conductor/runtime/idempotency"
	"goa.design/conductor/runtime/model"
	"goa.design/conductor/runtime/ratelimit"
	"goa.design/conductor/runtime/retry"
	"goa.design/conductor/runtime/session"
	"goa.design/conductor/runtime/telemetry"
)

type (
	// Options configures an Executor. Registry, Providers and Lifecycle are
	// required. The policy components default to fresh instances with
	// default settings on the executor clock.
	Options struct {
		// Registry resolves stage capabilities.
		Registry *Registry
		// Providers resolves capability providers to invokers.
		Providers *model.Providers
		// Lifecycle creates, resumes and terminates sessions.
		Lifecycle *session.Lifecycle
		// Limiter admits stage invocations per capability kind and session.
		Limiter *ratelimit.Limiter
		// Breaker tracks provider health.
		Breaker *breaker.Breaker
		// Guard prevents duplicate in-flight stage executions.
		Guard *idempotency.Guard
		// Retry is the retry policy for provider calls.
		Retry *retry.Policy
		// Clock drives stage timeouts and durations.
		Clock clock.Clock
		// MaxConcurrency is used when a definition does not set one.
		MaxConcurrency int
		// DefaultTimeout is used for stages without a timeout.
		DefaultTimeout time.Duration
		// Telemetry carries logging, metrics and tracing.
		Telemetry telemetry.Bundle
	}

	// Option configures the executor options.
	Option func(*Options)

	// Executor runs pipeline definitions against sessions.
	//
	// Contract:
	// - Stages start in declaration order once the stages they consume have
	//   resolved; waiting never holds a concurrency slot.
	// - Policy denials never reach the retry policy.
	// - A required stage that does not succeed aborts the run: stages not yet
	//   started never start and results arriving later are discarded.
	// - Every run ends with a synchronous flush of the session.
	// - One run per session at a time within an executor.
	Executor struct {
		registry       *Registry
		providers      *model.Providers
		lifecycle      *session.Lifecycle
		store          *session.Store
		limiter        *ratelimit.Limiter
		breaker        *breaker.Breaker
		guard          *idempotency.Guard
		retry          retry.Policy
		clock          clock.Clock
		maxConcurrency int
		defaultTimeout time.Duration
		tel            telemetry.Bundle

		active sync.Map // session id -> struct{}
	}

	run struct {
		def       *Definition
		sessionID string
		input     json.RawMessage
		caps      map[string]Capability
		done      map[string]chan struct{}
		sem       *semaphore.Weighted
		abort     context.CancelCauseFunc

		mu         sync.Mutex
		sess       *session.Session
		results    map[string]StageResult
		stopped    bool
		stopStage  string
		stopStatus StageStatus
		stopErr    error
		leaseErr   error
	}

	// renewal re-arms the writer lease renewal timer until stopped.
	renewal struct {
		mu      sync.Mutex
		timer   clock.Timer
		stopped bool
	}

	usageMetrics struct {
		Model string `json:"model,omitempty"`
		model.TokenUsage
	}
)

const (
	// DefaultMaxConcurrency bounds concurrent stage invocations.
	DefaultMaxConcurrency = 4
	// DefaultStageTimeout bounds a stage without an explicit timeout.
	DefaultStageTimeout = 5 * time.Minute
)

// WithRegistry sets the capability registry.
func WithRegistry(r *Registry) Option { return func(o *Options) { o.Registry = r } }

// WithProviders sets the provider table.
func WithProviders(p *model.Providers) Option { return func(o *Options) { o.Providers = p } }

// WithLifecycle sets the session lifecycle.
func WithLifecycle(l *session.Lifecycle) Option { return func(o *Options) { o.Lifecycle = l } }

// WithLimiter sets the rate limiter.
func WithLimiter(l *ratelimit.Limiter) Option { return func(o *Options) { o.Limiter = l } }

// WithBreaker sets the circuit breaker.
func WithBreaker(b *breaker.Breaker) Option { return func(o *Options) { o.Breaker = b } }

// WithGuard sets the idempotency guard.
func WithGuard(g *idempotency.Guard) Option { return func(o *Options) { o.Guard = g } }

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p retry.Policy) Option { return func(o *Options) { o.Retry = &p } }

// WithClock sets the clock.
func WithClock(c clock.Clock) Option { return func(o *Options) { o.Clock = c } }

// WithMaxConcurrency sets the default stage concurrency.
func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

// WithDefaultTimeout sets the default stage timeout.
func WithDefaultTimeout(d time.Duration) Option { return func(o *Options) { o.DefaultTimeout = d } }

// WithTelemetry sets logging, metrics and tracing.
func WithTelemetry(t telemetry.Bundle) Option { return func(o *Options) { o.Telemetry = t } }

// New returns an Executor.
func New(opts ...Option) (*Executor, error) {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return newFromOptions(o)
}

func newFromOptions(o Options) (*Executor, error) {
	if o.Registry == nil {
		return nil, errors.New("pipeline: registry is required")
	}
	if o.Providers == nil {
		return nil, errors.New("pipeline: providers are required")
	}
	if o.Lifecycle == nil {
		return nil, errors.New("pipeline: lifecycle is required")
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Limiter == nil {
		o.Limiter = ratelimit.New(ratelimit.DefaultLimits(), ratelimit.WithClock(o.Clock))
	}
	if o.Breaker == nil {
		o.Breaker = breaker.New(breaker.DefaultConfig(), breaker.WithClock(o.Clock))
	}
	if o.Guard == nil {
		o.Guard = idempotency.New(idempotency.WithClock(o.Clock))
	}
	policy := retry.DefaultPolicy()
	if o.Retry != nil {
		policy = *o.Retry
	}
	if policy.Sleep == nil {
		policy.Sleep = o.Clock.Sleep
	}
	if policy.Now == nil {
		policy.Now = o.Clock.Now
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultStageTimeout
	}
	return &Executor{
		registry:       o.Registry,
		providers:      o.Providers,
		lifecycle:      o.Lifecycle,
		store:          o.Lifecycle.Store(),
		limiter:        o.Limiter,
		breaker:        o.Breaker,
		guard:          o.Guard,
		retry:          policy,
		clock:          o.Clock,
		maxConcurrency: o.MaxConcurrency,
		defaultTimeout: o.DefaultTimeout,
		tel:            o.Telemetry.WithDefaults(),
	}, nil
}

// Run executes def against sessionID with the given JSON input. An empty
// sessionID creates a new session; an unknown one is created with that id.
//
// Errors that prevent the run from starting (invalid definition, unknown
// capability, terminal or locked session) are returned without a result.
// Otherwise Run returns the result and, when the outcome is not
// OutcomeSucceeded, the result's error.
func (e *Executor) Run(ctx context.Context, def *Definition, sessionID string, input json.RawMessage) (*Result, error) {
	if def == nil {
		return nil, errors.New("pipeline: definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	caps, err := e.resolveCapabilities(def)
	if err != nil {
		return nil, err
	}
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	if !json.Valid(input) {
		return nil, errors.New("pipeline: input is not valid JSON")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if _, busy := e.active.LoadOrStore(sessionID, struct{}{}); busy {
		return nil, fmt.Errorf("%w %q", ErrRunInProgress, sessionID)
	}
	defer e.active.Delete(sessionID)

	ctx, span := e.tel.Tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.id", def.ID),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	sess, err := e.resolveSession(ctx, sessionID, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve session")
		return nil, err
	}

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	maxConcurrency := def.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = e.maxConcurrency
	}
	r := &run{
		def:       def,
		sessionID: sessionID,
		input:     input,
		caps:      caps,
		done:      make(map[string]chan struct{}, len(def.Stages)),
		sem:       semaphore.NewWeighted(int64(maxConcurrency)),
		abort:     abort,
		sess:      sess,
		results:   make(map[string]StageResult, len(def.Stages)),
	}
	for _, st := range def.Stages {
		r.done[st.Name] = make(chan struct{})
	}

	stopRenewal := e.renewLease(ctx, r)
	var g errgroup.Group
	for _, st := range def.Stages {
		g.Go(func() error {
			defer close(r.done[st.Name])
			e.runStage(runCtx, r, st)
			return nil
		})
	}
	_ = g.Wait()
	stopRenewal()

	res, err := e.finish(ctx, r)
	if res.Outcome != OutcomeSucceeded {
		span.SetStatus(codes.Error, string(res.Outcome))
	}
	return res, err
}

func (e *Executor) resolveCapabilities(def *Definition) (map[string]Capability, error) {
	caps := make(map[string]Capability, len(def.Stages))
	for _, st := range def.Stages {
		c, err := e.registry.Lookup(st.Capability)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q stage %q: %w", def.ID, st.Name, err)
		}
		if _, err := e.providers.Lookup(c.Provider); err != nil {
			return nil, fmt.Errorf("pipeline %q stage %q: %w", def.ID, st.Name, err)
		}
		caps[st.Name] = c
	}
	return caps, nil
}

func (e *Executor) resolveSession(ctx context.Context, id string, input json.RawMessage) (*session.Session, error) {
	s, err := e.lifecycle.Resume(ctx, id)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, session.ErrNotFound) {
		return e.lifecycle.CreateWithID(ctx, id, map[string]json.RawMessage{InputKey: input})
	}
	var te *session.TransitionError
	if errors.As(err, &te) {
		return nil, fmt.Errorf("%w: %w", ErrTerminal, err)
	}
	return nil, err
}

// renewLease keeps the writer lease on the run's session alive while stages
// execute, renewing it every session.RenewInterval of the store lease TTL.
// A failed renewal aborts the run. The returned func stops the renewals.
func (e *Executor) renewLease(ctx context.Context, r *run) func() {
	ctx = context.WithoutCancel(ctx)
	interval := session.RenewInterval(e.store.LeaseTTL())
	rn := &renewal{}
	var beat func()
	// rn.mu is held across the renewal so stopping waits for one in flight
	// and a late renewal never re-takes a released lease.
	beat = func() {
		rn.mu.Lock()
		defer rn.mu.Unlock()
		if rn.stopped {
			return
		}
		if err := e.store.Acquire(ctx, r.sessionID); err != nil {
			e.tel.Logger.Error(ctx, "writer lease renewal failed", "pipeline", r.def.ID, "session", r.sessionID, "err", err)
			r.loseLease(err)
			return
		}
		rn.timer = e.clock.AfterFunc(interval, beat)
	}
	rn.mu.Lock()
	rn.timer = e.clock.AfterFunc(interval, beat)
	rn.mu.Unlock()
	return func() {
		rn.mu.Lock()
		defer rn.mu.Unlock()
		rn.stopped = true
		rn.timer.Stop()
	}
}

// runStage resolves one stage. It always records a result before returning.
func (e *Executor) runStage(ctx context.Context, r *run, st Stage) {
	for _, dep := range st.Consumes {
		select {
		case <-r.done[dep]:
		case <-ctx.Done():
			e.complete(ctx, r, st, StageResult{Name: st.Name, Status: StageCanceled, Err: context.Cause(ctx)}, nil)
			return
		}
	}
	if dep, ok := r.unmet(st); !ok {
		err := fmt.Errorf("consumed stage %q did not succeed", dep)
		e.complete(ctx, r, st, StageResult{Name: st.Name, Status: StageSkipped, Err: err}, nil)
		return
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		e.complete(ctx, r, st, StageResult{Name: st.Name, Status: StageCanceled, Err: context.Cause(ctx)}, nil)
		return
	}
	defer r.sem.Release(1)
	if ctx.Err() != nil {
		e.complete(ctx, r, st, StageResult{Name: st.Name, Status: StageCanceled, Err: context.Cause(ctx)}, nil)
		return
	}
	res, metrics := e.execute(ctx, r, st)
	e.complete(ctx, r, st, res, metrics)
}

// execute runs the policy chain and the provider call for one stage.
func (e *Executor) execute(ctx context.Context, r *run, st Stage) (StageResult, json.RawMessage) {
	c := r.caps[st.Name]
	ctx, span := e.tel.Tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("pipeline.stage", st.Name),
		attribute.String("pipeline.capability", c.Name),
		attribute.String("model.provider", c.Provider),
	))
	defer span.End()

	start := e.clock.Now()
	res := StageResult{Name: st.Name}
	in, err := r.stageInput(st)
	if err != nil {
		res.Status, res.Err = StageFailed, err
		return res, nil
	}
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	var resp *model.Response
	fp := idempotency.Fingerprint(r.def.ID, r.sessionID, st.Name, in)
	err = e.guard.WithLock(ctx, fp, func(ctx context.Context) error {
		if err := e.limiter.Acquire(c.Kind.Category(), r.sessionID); err != nil {
			return err
		}
		if err := e.breaker.Check(c.Provider); err != nil {
			return err
		}
		var ierr error
		resp, res.Attempts, ierr = e.invoke(ctx, span, r, st, c, in, timeout)
		return ierr
	}, idempotency.WithLease(timeout))
	res.Duration = e.clock.Now().Sub(start)

	var timedOut *StageTimeoutError
	switch {
	case err == nil:
		res.Status = StageSucceeded
		res.Output = outputJSON(resp)
	case IsDenial(err):
		res.Status = StageDenied
		e.tel.Metrics.IncCounter(telemetry.MetricPolicyDenial, 1, "pipeline", r.def.ID, "stage", st.Name, "policy", denialPolicy(err))
	case errors.As(err, &timedOut):
		res.Status = StageTimedOut
	default:
		res.Status = StageFailed
	}
	res.Err = err
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.Status))
	}
	return res, stageMetrics(resp)
}

// invoke calls the provider under the retry policy and the stage timeout and
// reports the outcome to the circuit breaker.
func (e *Executor) invoke(ctx context.Context, span telemetry.Span, r *run, st Stage, c Capability, in json.RawMessage, timeout time.Duration) (*model.Response, int, error) {
	inv, err := e.providers.Lookup(c.Provider)
	if err != nil {
		return nil, 0, err
	}
	stageCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := e.clock.AfterFunc(timeout, func() {
		cancel(&StageTimeoutError{Stage: st.Name, Timeout: timeout})
	})
	defer timer.Stop()

	req := &model.Request{
		Provider:   c.Provider,
		Model:      c.Model,
		Capability: c.Name,
		Stage:      st.Name,
		System:     c.Instruction,
		Input:      in,
		MaxTokens:  c.MaxTokens,
		Metadata:   map[string]string{"pipeline": r.def.ID, "session": r.sessionID},
	}
	policy := e.retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		span.AddEvent("stage.retry", "attempt", attempt, "delay", delay)
		e.tel.Logger.Warn(ctx, "retrying stage", "pipeline", r.def.ID, "stage", st.Name, "attempt", attempt, "delay", delay, "err", err)
	}
	var resp *model.Response
	attempts, err := retry.Do(stageCtx, policy, func(ctx context.Context) error {
		out, err := inv.Invoke(ctx, req)
		if err != nil {
			return err
		}
		resp = out
		return nil
	})
	if err != nil && ctx.Err() == nil {
		var timedOut *StageTimeoutError
		if errors.As(context.Cause(stageCtx), &timedOut) {
			err = timedOut
		}
	}

	switch {
	case err == nil:
		e.breaker.RecordSuccess(c.Provider)
	case ctx.Err() == nil:
		e.breaker.RecordFailure(c.Provider)
	}
	return resp, attempts, err
}

// complete records res, merges it into the session unless the run stopped,
// and stops the run when a required stage did not succeed.
func (e *Executor) complete(ctx context.Context, r *run, st Stage, res StageResult, metrics json.RawMessage) {
	tags := []string{"pipeline", r.def.ID, "stage", st.Name}
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.Status != StageCanceled && (r.stopped || ctx.Err() != nil) {
		res.Status = StageCanceled
		res.Output = nil
		if res.Err == nil {
			res.Err = context.Cause(ctx)
		}
	}
	r.results[st.Name] = res
	e.tel.Metrics.IncCounter(telemetry.MetricStageOutcome, 1, append(tags, "status", string(res.Status))...)
	if res.Status == StageCanceled {
		return
	}
	e.tel.Metrics.RecordTimer(telemetry.MetricStageDuration, res.Duration, tags...)

	entry := session.HistoryEntry{
		Command:  r.def.ID,
		Stage:    st.Name,
		Status:   res.Status.entryStatus(),
		At:       e.clock.Now(),
		Duration: res.Duration,
		Attempts: res.Attempts,
		Metrics:  metrics,
	}
	var output json.RawMessage
	if res.Status == StageSucceeded {
		output = res.Output
	} else {
		entry.Error = res.Err.Error()
		e.tel.Logger.Warn(ctx, "stage did not succeed", "pipeline", r.def.ID, "session", r.sessionID, "stage", st.Name, "status", res.Status, "required", st.Required, "err", res.Err)
	}
	r.sess.Record(entry, output)
	e.store.Save(r.sess)

	if st.Required && res.Status != StageSucceeded {
		r.stopped = true
		r.stopStage = st.Name
		r.stopStatus = res.Status
		r.stopErr = res.Err
		r.abort(&AbortedError{PipelineID: r.def.ID, Stage: st.Name, Cause: res.Err})
	}
}

// finish moves the session to its terminal state, flushes it and releases
// the writer lease.
func (e *Executor) finish(ctx context.Context, r *run) (*Result, error) {
	res := &Result{PipelineID: r.def.ID, SessionID: r.sessionID}
	for _, st := range r.def.Stages {
		res.Stages = append(res.Stages, r.results[st.Name])
	}

	var cause error
	r.mu.Lock()
	switch {
	case r.leaseErr != nil:
		cause = r.leaseErr
		res.Outcome = OutcomeAborted
	case r.stopped:
		cause = r.stopErr
		switch r.stopStatus {
		case StageDenied:
			res.Outcome = OutcomeDenied
		case StageSkipped:
			res.Outcome = OutcomeAborted
		default:
			res.Outcome = OutcomeFailed
		}
	case r.canceled():
		cause = context.Cause(ctx)
		res.Outcome = OutcomeAborted
	default:
		res.Outcome = OutcomeSucceeded
	}
	stage := r.stopStage
	lost := r.leaseErr != nil
	current := r.sess.Clone()
	r.mu.Unlock()

	if lost {
		// Another writer owns the session now; leave its state alone.
		e.store.Abandon(r.sessionID)
		res.Session = current
		res.Context = current.Context
		res.Err = &AbortedError{PipelineID: r.def.ID, Cause: cause}
		e.tel.Logger.Error(ctx, "pipeline run lost its session lease", "pipeline", r.def.ID, "session", r.sessionID, "err", cause)
		return res, res.Err
	}

	// The run context may be canceled; terminal writes must still land.
	wctx := context.WithoutCancel(ctx)
	var (
		final *session.Session
		err   error
	)
	switch res.Outcome {
	case OutcomeSucceeded:
		final, err = e.lifecycle.Complete(wctx, r.sessionID)
	case OutcomeDenied:
		final = current
	default:
		final, err = e.lifecycle.Fail(wctx, r.sessionID, stage, cause)
	}
	if rerr := e.store.Release(wctx, r.sessionID); rerr != nil {
		err = errors.Join(err, rerr)
	}
	if final == nil {
		final = current
	}
	res.Session = final
	res.Context = final.Context
	if res.Outcome != OutcomeSucceeded {
		res.Err = &AbortedError{PipelineID: r.def.ID, Stage: stage, Cause: cause}
	}

	e.tel.Logger.Info(ctx, "pipeline run finished", "pipeline", r.def.ID, "session", r.sessionID, "outcome", res.Outcome)
	if err != nil {
		e.tel.Logger.Error(ctx, "persist session failed", "pipeline", r.def.ID, "session", r.sessionID, "err", err)
		return res, errors.Join(res.Err, fmt.Errorf("persist session %s: %w", r.sessionID, err))
	}
	return res, res.Err
}

// loseLease records that the writer lease could not be renewed and aborts
// the run.
func (r *run) loseLease(err error) {
	r.mu.Lock()
	if r.leaseErr == nil {
		r.leaseErr = err
	}
	r.mu.Unlock()
	r.abort(&AbortedError{PipelineID: r.def.ID, Cause: err})
}

// canceled reports whether any stage was canceled. Caller holds r.mu.
func (r *run) canceled() bool {
	for _, res := range r.results {
		if res.Status == StageCanceled {
			return true
		}
	}
	return false
}

// unmet returns the first consumed stage that did not succeed.
func (r *run) unmet(st Stage) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range st.Consumes {
		if r.results[dep].Status != StageSucceeded {
			return dep, false
		}
	}
	return "", true
}

// stageInput assembles the request payload: the run input under InputKey and
// the output of each consumed stage under its name.
func (r *run) stageInput(st Stage) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := make(map[string]json.RawMessage, len(st.Consumes)+1)
	parts[InputKey] = r.input
	for _, dep := range st.Consumes {
		parts[dep] = r.sess.Context[dep]
	}
	in, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("assemble input of stage %q: %w", st.Name, err)
	}
	return in, nil
}

// outputJSON returns the response output as JSON. Non-JSON output is stored
// as a JSON string.
func outputJSON(resp *model.Response) json.RawMessage {
	if resp == nil || len(resp.Output) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(resp.Output) {
		return resp.Output
	}
	quoted, _ := json.Marshal(string(resp.Output))
	return quoted
}

func stageMetrics(resp *model.Response) json.RawMessage {
	if resp == nil {
		return nil
	}
	data, err := json.Marshal(usageMetrics{Model: resp.Model, TokenUsage: resp.Usage})
	if err != nil {
		return nil
	}
	return data
}
