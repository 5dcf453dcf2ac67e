package newton

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AshkanYarmoradi/go-newton/adapters"
	"github.com/google/uuid"
)

// OrchestratorOption configures a SagaOrchestrator.
type OrchestratorOption func(*SagaOrchestrator)

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger Logger) OrchestratorOption {
	return func(o *SagaOrchestrator) {
		o.logger = logger
	}
}

// WithInterestMatcher replaces DefaultInterestMatcher.
func WithInterestMatcher(matcher SagaInterestMatcher) OrchestratorOption {
	return func(o *SagaOrchestrator) {
		o.matcher = matcher
	}
}

// WithOrchestratorReplayMode sets the mode of the stream subscriptions.
// The default is adapters.LiveOnly.
func WithOrchestratorReplayMode(mode adapters.ReplayMode) OrchestratorOption {
	return func(o *SagaOrchestrator) {
		o.replayMode = mode
	}
}

// WithOrchestratorCodec sets the codec used to decode stream events.
func WithOrchestratorCodec(codec Codec) OrchestratorOption {
	return func(o *SagaOrchestrator) {
		o.codec = codec
	}
}

// WithLifecycleChannel sets the channel lifecycle signals are posted to.
// By default the orchestrator creates its own.
func WithLifecycleChannel(ch *SagaLifecycleChannel) OrchestratorOption {
	return func(o *SagaOrchestrator) {
		o.lifecycle = ch
	}
}

// SagaOrchestrator starts sagas on their triggering events, routes later
// events to interested sagas, persists every transition and runs the commands
// sagas issue.
//
// Events from all subscribed streams are queued and processed one at a time
// by a single worker goroutine.
type SagaOrchestrator struct {
	client     adapters.EventStreamClient
	repo       SagaRepository
	executor   CommandDispatcher
	events     *EventRegistry
	sagas      *SagaRegistry
	codec      Codec
	logger     Logger
	matcher    SagaInterestMatcher
	replayMode adapters.ReplayMode
	lifecycle  *SagaLifecycleChannel
	ownsLife   bool
	startCache *SagaStartCache

	mu      sync.RWMutex
	streams []string
	subs    map[string]adapters.Subscription
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    *fifo[func()]
	stopped chan struct{}

	// procMu serialises processing between the worker and callers that
	// process inline while the orchestrator is not running.
	procMu sync.Mutex
}

// NewSagaOrchestrator creates an orchestrator. Sagas are added with Register.
func NewSagaOrchestrator(client adapters.EventStreamClient, repo SagaRepository, executor CommandDispatcher, events *EventRegistry, sagas *SagaRegistry, opts ...OrchestratorOption) *SagaOrchestrator {
	o := &SagaOrchestrator{
		client:     client,
		repo:       repo,
		executor:   executor,
		events:     events,
		sagas:      sagas,
		codec:      NewJSONCodec(),
		logger:     &noopLogger{},
		matcher:    DefaultInterestMatcher,
		replayMode: adapters.LiveOnly,
		startCache: NewSagaStartCache(),
		subs:       make(map[string]adapters.Subscription),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.lifecycle == nil {
		o.lifecycle = NewSagaLifecycleChannel(WithLifecycleLogger(o.logger))
		o.ownsLife = true
	}

	return o
}

// Register adds a saga type. The saga must declare its streams; a saga that
// does not is reported as *ConfigurationError and skipped. Registration may
// happen before or after Start.
func (o *SagaOrchestrator) Register(reg SagaRegistration) error {
	if reg.Factory == nil {
		err := NewConfigurationError("saga", reg.Type, "no factory")
		o.logger.Error("Saga registration skipped", "type", reg.Type, "error", err)
		return err
	}

	prototype := reg.Factory()
	sagaType := reg.Type
	if sagaType == "" {
		sagaType = prototype.SagaType()
	}

	declarer, ok := prototype.(StreamDeclarer)
	if !ok {
		err := NewConfigurationError("saga", sagaType, "does not declare its streams")
		o.logger.Error("Saga registration skipped", "type", sagaType, "error", err)
		return err
	}
	streams := declarer.DeclareStreams()
	if len(streams) == 0 {
		err := NewConfigurationError("saga", sagaType, "declares no streams")
		o.logger.Error("Saga registration skipped", "type", sagaType, "error", err)
		return err
	}

	o.sagas.Register(sagaType, reg.Factory)

	if starter, ok := prototype.(StartEventDeclarer); ok && starter.DeclareStartEventType() != "" {
		o.startCache.Add(starter.DeclareStartEventType(), sagaType)
	} else {
		o.logger.Warn("Saga has no start event; it can only be started explicitly", "type", sagaType)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for _, stream := range streams {
		if o.hasStreamLocked(stream) {
			continue
		}
		o.streams = append(o.streams, stream)
		if o.running {
			if err := o.subscribeLocked(stream); err != nil {
				errs = append(errs, err)
			}
		}
	}

	o.logger.Info("Registered saga", "type", sagaType, "streams", streams)
	return errors.Join(errs...)
}

// RegisterAll registers each saga, skipping failures, and returns them joined.
func (o *SagaOrchestrator) RegisterAll(regs ...SagaRegistration) error {
	var errs []error
	for _, reg := range regs {
		if err := o.Register(reg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *SagaOrchestrator) hasStreamLocked(stream string) bool {
	for _, s := range o.streams {
		if s == stream {
			return true
		}
	}
	return false
}

// Start starts the worker and subscribes to every declared stream.
func (o *SagaOrchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrOrchestratorRunning
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.jobs = newFIFO[func()]()
	o.stopped = make(chan struct{})
	go o.work(o.jobs, o.stopped)
	o.running = true

	for _, stream := range o.streams {
		if err := o.subscribeLocked(stream); err != nil {
			o.stopLocked()
			return err
		}
	}

	o.logger.Info("Saga orchestrator started", "streams", len(o.streams), "mode", o.replayMode)
	return nil
}

func (o *SagaOrchestrator) subscribeLocked(stream string) error {
	jobs := o.jobs
	ctx := o.ctx
	sub, err := o.client.Subscribe(ctx, stream, o.replayMode, func(stored adapters.StoredEvent) {
		jobs.Push(func() {
			if err := o.process(ctx, stored); err != nil {
				o.logger.Error("Event processing failed", "stream", stored.StreamID, "event", stored.ID, "error", err)
			}
		})
	})
	if err != nil {
		return fmt.Errorf("newton: subscribe to %s: %w", stream, err)
	}
	o.subs[stream] = sub
	return nil
}

// Stop closes the subscriptions, processes what is already queued and waits
// for the worker to exit. The lifecycle channel stays open so the
// orchestrator can be started again; use Close to release it.
func (o *SagaOrchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	stopped := o.stopLocked()
	o.mu.Unlock()

	<-stopped
	o.logger.Info("Saga orchestrator stopped")
}

// Close stops the orchestrator and closes the lifecycle channel if the
// orchestrator created it. A channel passed with WithLifecycleChannel is left
// to its owner.
func (o *SagaOrchestrator) Close() {
	o.Stop()
	if o.ownsLife {
		o.lifecycle.Close()
	}
}

func (o *SagaOrchestrator) stopLocked() chan struct{} {
	for stream, sub := range o.subs {
		_ = sub.Close()
		delete(o.subs, stream)
	}
	o.jobs.Close()
	o.running = false

	stopped, cancel := o.stopped, o.cancel
	go func() {
		<-stopped
		cancel()
	}()
	return stopped
}

func (o *SagaOrchestrator) work(jobs *fifo[func()], stopped chan struct{}) {
	defer close(stopped)
	for {
		job, ok := jobs.Pop()
		if !ok {
			return
		}
		o.procMu.Lock()
		job()
		o.procMu.Unlock()
	}
}

// submit runs fn on the worker when running, or inline otherwise, and waits.
func (o *SagaOrchestrator) submit(ctx context.Context, fn func()) error {
	o.mu.RLock()
	jobs, running := o.jobs, o.running
	o.mu.RUnlock()

	if !running {
		o.procMu.Lock()
		defer o.procMu.Unlock()
		fn()
		return nil
	}

	done := make(chan struct{})
	if !jobs.Push(func() { defer close(done); fn() }) {
		return ErrOrchestratorStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessEvent pushes one stored event through the same path as subscribed
// events and waits for it.
func (o *SagaOrchestrator) ProcessEvent(ctx context.Context, stored adapters.StoredEvent) error {
	var err error
	if serr := o.submit(ctx, func() { err = o.process(ctx, stored) }); serr != nil {
		return serr
	}
	return err
}

// StartSaga starts a saga of sagaType with event, regardless of the saga's
// start event. The returned monitor is registered before the saga's first
// commands run.
func (o *SagaOrchestrator) StartSaga(ctx context.Context, sagaType string, event Event) (*SagaMonitor, error) {
	env := Envelope{
		Event:    event,
		ID:       uuid.New().String(),
		Type:     event.EventType(),
		Metadata: adapters.Metadata{CorrelationID: CorrelationIDFromContext(ctx)},
	}

	var (
		monitor *SagaMonitor
		err     error
	)
	serr := o.submit(ctx, func() {
		saga, nerr := o.sagas.New(sagaType)
		if nerr != nil {
			err = nerr
			return
		}
		if saga.ID() == "" {
			saga.SetID(DeterministicSagaID(sagaType, env.ID))
		}
		err = o.begin(ctx, saga, env, func(s Saga) error {
			m, merr := NewSagaMonitor(ctx, o.lifecycle, o.repo, s.ID(), sagaType)
			monitor = m
			return merr
		})
	})
	if serr != nil {
		return nil, serr
	}
	if err != nil {
		return nil, err
	}
	return monitor, nil
}

// Monitor returns a monitor for an existing saga.
func (o *SagaOrchestrator) Monitor(ctx context.Context, sagaID, sagaType string) (*SagaMonitor, error) {
	return NewSagaMonitor(ctx, o.lifecycle, o.repo, sagaID, sagaType)
}

// Lifecycle returns the channel lifecycle signals are posted to.
func (o *SagaOrchestrator) Lifecycle() *SagaLifecycleChannel {
	return o.lifecycle
}

// SubscribedStreams returns the declared streams in registration order.
func (o *SagaOrchestrator) SubscribedStreams() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]string, len(o.streams))
	copy(out, o.streams)
	return out
}

// IsRunning returns true between Start and Stop.
func (o *SagaOrchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// StartCache exposes the start event index.
func (o *SagaOrchestrator) StartCache() *SagaStartCache {
	return o.startCache
}

var errAlreadyStarted = errors.New("newton: saga already started")

// process runs the start phase and then the routing phase for one event.
func (o *SagaOrchestrator) process(ctx context.Context, stored adapters.StoredEvent) error {
	env, err := o.events.DecodeStored(o.codec, stored)
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			o.logger.Warn("Skipping event", "type", stored.Type, "event", stored.ID, "error", err)
			return nil
		}
		return err
	}

	started := o.startSagas(ctx, env)
	o.routeToInterests(ctx, env, started)
	return nil
}

// startSagas creates every saga whose start event is env and returns the ids
// it created or found already created.
func (o *SagaOrchestrator) startSagas(ctx context.Context, env Envelope) map[string]bool {
	started := make(map[string]bool)

	for _, sagaType := range o.startCache.Find(env.Type) {
		saga, err := o.sagas.New(sagaType)
		if err != nil {
			o.logger.Error("Cannot create saga", "type", sagaType, "error", err)
			continue
		}
		if saga.ID() == "" {
			triggerID := env.ID
			if triggerID == "" {
				triggerID = uuid.New().String()
			}
			saga.SetID(DeterministicSagaID(sagaType, triggerID))
		}

		err = o.begin(ctx, saga, env, nil)
		switch {
		case err == nil:
			started[saga.ID()] = true
		case errors.Is(err, errAlreadyStarted):
			started[saga.ID()] = true
			o.logger.Debug("Saga already started by this event", "type", sagaType, "saga", saga.ID(), "event", env.ID)
		default:
			o.logger.Error("Saga start failed", "type", sagaType, "saga", saga.ID(), "event", env.ID, "error", err)
		}
	}

	return started
}

// begin starts and persists a new saga, then runs its commands. beforeSignal
// runs after the saga is stored and before anything is posted or dispatched.
func (o *SagaOrchestrator) begin(ctx context.Context, saga Saga, env Envelope, beforeSignal func(Saga) error) error {
	if err := saga.Start(env.Event); err != nil {
		return fmt.Errorf("newton: start saga %s: %w", saga.SagaType(), err)
	}

	if err := o.repo.SaveNewSaga(ctx, saga, env); err != nil {
		if errors.Is(err, ErrSagaAlreadyExists) {
			return errAlreadyStarted
		}
		return fmt.Errorf("newton: save new saga %s: %w", saga.ID(), err)
	}

	if beforeSignal != nil {
		if err := beforeSignal(saga); err != nil {
			return err
		}
	}

	o.lifecycle.Post(SagaLifecycleEvent{Kind: SagaStarted, SagaID: saga.ID(), SagaType: saga.SagaType()})
	o.logger.Info("Saga started", "type", saga.SagaType(), "saga", saga.ID(), "trigger", env.Type)

	o.runCommands(ctx, saga, env)

	if saga.IsComplete() {
		o.end(saga)
	}
	return nil
}

// routeToInterests hands env to every saga with a matching interest, at most
// once per saga. Sagas in skip were started by env and do not see it again.
func (o *SagaOrchestrator) routeToInterests(ctx context.Context, env Envelope, skip map[string]bool) {
	interests, err := o.repo.GetInterestsFor(ctx, env.Type)
	if err != nil {
		o.logger.Error("Interest lookup failed", "type", env.Type, "error", err)
		return
	}

	handled := make(map[string]bool)
	for _, interest := range interests {
		if skip[interest.SagaID] || handled[interest.SagaID] {
			continue
		}
		if !o.matcher(interest, env) {
			continue
		}
		handled[interest.SagaID] = true

		saga, err := o.repo.Load(ctx, interest.SagaID, interest.SagaType)
		if err != nil {
			switch {
			case errors.Is(err, ErrConfiguration):
				o.logger.Error("Interest refers to an unknown saga type", "saga", interest.SagaID, "type", interest.SagaType, "error", err)
			case errors.Is(err, ErrSagaNotFound):
				o.logger.Debug("Interest refers to a missing saga", "saga", interest.SagaID)
			default:
				o.logger.Error("Saga load failed", "saga", interest.SagaID, "error", err)
			}
			continue
		}
		if saga.IsComplete() {
			continue
		}

		if err := saga.Handle(env.Event); err != nil {
			o.logger.Error("Saga handler failed", "saga", saga.ID(), "type", saga.SagaType(), "event", env.Type, "error", err)
			continue
		}
		if err := o.repo.Save(ctx, saga); err != nil {
			o.logger.Error("Saga save failed", "saga", saga.ID(), "type", saga.SagaType(), "error", err)
			continue
		}

		o.runCommands(ctx, saga, env)

		if saga.IsComplete() {
			o.end(saga)
		}
	}
}

// runCommands dispatches the saga's buffered commands in order and clears
// them. Failures are logged; results are not fed back into the saga.
func (o *SagaOrchestrator) runCommands(ctx context.Context, saga Saga, env Envelope) {
	intents := saga.NewOperations()
	saga.ClearNewOperations()
	if len(intents) == 0 {
		return
	}

	if CorrelationIDFromContext(ctx) == "" {
		correlationID := env.Metadata.CorrelationID
		if correlationID == "" {
			correlationID = saga.ID()
		}
		ctx = WithCorrelationID(ctx, correlationID)
	}
	if env.ID != "" {
		ctx = WithCausationID(ctx, env.ID)
	}

	for _, intent := range intents {
		if intent.OriginatingID.IsZero() {
			intent.OriginatingID = AggregateRootID(saga.ID())
		}

		result, err := o.executor.Dispatch(ctx, intent)
		if err != nil {
			o.logger.Error("Saga command rejected", "saga", saga.ID(), "command", intent.Type, "error", err)
			continue
		}
		if result.IsFailure() {
			o.logger.Error("Saga command failed", "saga", saga.ID(), "command", intent.Type, "error", result.Failure.Message)
			continue
		}
		o.logger.Debug("Saga command executed", "saga", saga.ID(), "command", intent.Type, "events", len(result.Events))
	}
}

func (o *SagaOrchestrator) end(saga Saga) {
	o.lifecycle.Post(SagaLifecycleEvent{Kind: SagaEnded, SagaID: saga.ID(), SagaType: saga.SagaType()})
	o.logger.Info("Saga completed", "type", saga.SagaType(), "saga", saga.ID())
}
