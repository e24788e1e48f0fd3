package orchestration

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/stepflow-io/stepflow/core"
)

// Runtime runs the engine's background workers as one cancellable group:
// the timeout scheduler, the retention worker, and the event-bus ingress
// subscriber that feeds inbound completion events into the router.
type Runtime struct {
	router       *EventRouter
	timeouts     *TimeoutScheduler
	retention    *RetentionWorker
	bus          EventBus
	ingressTopic string
	logger       core.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the logger (defaults to NoOp). Component-aware
// loggers are scoped to "runtime".
func WithRuntimeLogger(logger core.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			r.logger = cal.WithComponent("runtime")
			return
		}
		r.logger = logger
	}
}

// WithIngressTopic overrides the inbound event topic (default
// "stepflow.events").
func WithIngressTopic(topic string) RuntimeOption {
	return func(r *Runtime) {
		if topic != "" {
			r.ingressTopic = topic
		}
	}
}

// NewRuntime wires the background workers together. bus may be nil, in
// which case no ingress subscriber runs and events must be routed through
// Service.RouteEvent directly.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewRuntime(router *EventRouter, timeouts *TimeoutScheduler, retention *RetentionWorker, bus EventBus, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		router:       router,
		timeouts:     timeouts,
		retention:    retention,
		bus:          bus,
		ingressTopic: "stepflow.events",
		logger:       &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run blocks until the context is canceled or a worker fails
// unrecoverably.
func (r *Runtime) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if r.timeouts != nil {
		group.Go(func() error { return r.timeouts.Run(ctx) })
	}
	if r.retention != nil {
		group.Go(func() error { return r.retention.Run(ctx) })
	}
	if r.bus != nil {
		group.Go(func() error { return r.runIngress(ctx) })
	}

	r.logger.InfoWithContext(ctx, "Runtime started", map[string]interface{}{
		"operation":     "runtime_start",
		"ingress_topic": r.ingressTopic,
		"ingress":       r.bus != nil,
	})
	return group.Wait()
}

// runIngress subscribes to the ingress topic and routes every decoded
// event. Undecodable payloads are dropped with a warning; routing outcomes
// are the router's concern.
func (r *Runtime) runIngress(ctx context.Context) error {
	events, cancel, err := r.bus.Subscribe(ctx, r.ingressTopic)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-events:
			if !ok {
				return nil
			}
			var event map[string]interface{}
			if err := json.Unmarshal(payload, &event); err != nil {
				r.logger.WarnWithContext(ctx, "Dropping undecodable ingress event", map[string]interface{}{
					"operation": "runtime_ingress",
					"topic":     r.ingressTopic,
					"error":     err.Error(),
				})
				continue
			}
			if _, err := r.router.RouteEvent(ctx, event); err != nil {
				r.logger.ErrorWithContext(ctx, "Routing ingress event failed", map[string]interface{}{
					"operation": "runtime_ingress",
					"topic":     r.ingressTopic,
					"error":     err.Error(),
				})
			}
		}
	}
}
