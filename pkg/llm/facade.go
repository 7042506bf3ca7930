package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/runlog"
	"github.com/tandem-run/tandem/pkg/signals"
)

// cancelPollInterval is how often an in-flight call checks for a
// run-scoped cancel or retry signal.
const cancelPollInterval = 1 * time.Second

// Retry tuning for transient provider failures.
const (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 30 * time.Second
	retryMaxAttempts     = 4
)

// Facade routes every LLM call to a provider, applies retries with
// exponential backoff, polls for cancellation, and records cost.
type Facade struct {
	providers map[string]Provider          // provider key → backend
	configs   map[string]*config.LLMProviderConfig
	routing   config.LLMRouting

	signals  *signals.Bus
	registry *Registry
	costs    *budget.CostTracker

	// perRunTracker resolves the run's budget tracker for cost updates.
	// Injected by the runtime; nil in tests that don't track budgets.
	perRunTracker func(runID string) *budget.Tracker
}

// NewFacade wires the facade. providers must contain an entry for every
// key named in routing.
func NewFacade(
	providers map[string]Provider,
	configs map[string]*config.LLMProviderConfig,
	routing config.LLMRouting,
	sigBus *signals.Bus,
	registry *Registry,
	costs *budget.CostTracker,
	perRunTracker func(runID string) *budget.Tracker,
) (*Facade, error) {
	for _, key := range []string{routing.Primary, routing.Fallback, routing.Image} {
		if key == "" {
			continue
		}
		if _, ok := providers[key]; !ok {
			return nil, fmt.Errorf("llm routing references unknown provider %q", key)
		}
	}
	return &Facade{
		providers:     providers,
		configs:       configs,
		routing:       routing,
		signals:       sigBus,
		registry:      registry,
		costs:         costs,
		perRunTracker: perRunTracker,
	}, nil
}

// Generate implements Client. It selects a route, runs the request with
// retry and cancellation polling, falls back once when configured, and
// records usage cost on success.
func (f *Facade) Generate(ctx context.Context, req *Request) (*Response, error) {
	routeKey, routeReason := f.selectRoute(req)

	startTime := time.Now()
	resp, err := f.generateWithRetry(ctx, req, routeKey)

	if err != nil && f.routing.Fallback != "" && routeKey != f.routing.Fallback && isRetryable(err) {
		slog.Warn("Primary LLM provider exhausted retries, using fallback",
			"primary", routeKey, "fallback", f.routing.Fallback, "error", err)
		routeKey = f.routing.Fallback
		routeReason = "fallback"
		resp, err = f.generateWithRetry(ctx, req, routeKey)
	}

	if err != nil {
		f.logCall(ctx, req, routeKey, routeReason, nil, time.Since(startTime), err)
		return nil, err
	}

	resp.RouteReason = routeReason
	f.recordCost(req.RunID, routeKey, resp)
	f.logCall(ctx, req, routeKey, routeReason, resp, time.Since(startTime), nil)
	return resp, nil
}

// selectRoute picks the provider key for a request. Image content
// overrides the primary when an image route is configured.
func (f *Facade) selectRoute(req *Request) (key, reason string) {
	if req.HasImageContent() && f.routing.Image != "" {
		return f.routing.Image, "image"
	}
	return f.routing.Primary, "primary"
}

// generateWithRetry runs one provider with backoff on retryable errors
// and per-call timeout. Cancellation is polled during each attempt.
func (f *Facade) generateWithRetry(ctx context.Context, req *Request, providerKey string) (*Response, error) {
	provider := f.providers[providerKey]
	cfg := f.configs[providerKey]

	timeout := config.DefaultLLMTimeout
	if cfg != nil && cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		newExponentialBackOff(), retryMaxAttempts-1), ctx)

	var resp *Response
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, err := f.callWithCancelPolling(callCtx, provider, req)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func newExponentialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = 0 // attempts bounded by WithMaxRetries
	return b
}

// callWithCancelPolling runs the provider call in a worker goroutine and
// polls the signal bus every second. A cancel signal raises
// ErrRequestCancelled; a retry signal transparently restarts the call.
func (f *Facade) callWithCancelPolling(ctx context.Context, provider Provider, req *Request) (*Response, error) {
	for {
		handle := f.registry.Register(req.RunID)

		type result struct {
			resp *Response
			err  error
		}
		done := make(chan result, 1)
		callCtx, cancelCall := context.WithCancel(ctx)

		go func() {
			resp, err := provider.Generate(callCtx, req)
			done <- result{resp, err}
		}()

		restart := false
		var res result

	poll:
		for {
			select {
			case res = <-done:
				break poll
			case <-time.After(cancelPollInterval):
				if f.signals != nil && f.signals.ConsumeRetry(req.RunID) {
					restart = true
					cancelCall()
					<-done // wait for the worker to observe cancellation
					break poll
				}
				if f.signals != nil && f.signals.Cancelled(req.RunID) {
					cancelCall()
					<-done
					f.registry.Unregister(handle)
					return nil, fmt.Errorf("%w: run %s", ErrRequestCancelled, req.RunID)
				}
			case <-ctx.Done():
				cancelCall()
				<-done
				f.registry.Unregister(handle)
				return nil, ctx.Err()
			}
		}

		cancelCall()
		f.registry.Unregister(handle)

		if restart {
			slog.Info("Retry signal observed, restarting LLM request", "run_id", req.RunID)
			continue
		}
		return res.resp, res.err
	}
}

// recordCost forwards usage to the cost tracker and the run's budget.
func (f *Facade) recordCost(runID, providerKey string, resp *Response) {
	cfg := f.configs[providerKey]
	if cfg == nil {
		return
	}
	cost := f.costs.Record(runID, resp.Model, resp.Usage, cfg.Rates)
	if f.perRunTracker != nil {
		if tracker := f.perRunTracker(runID); tracker != nil {
			tracker.AddCost(cost)
		}
	}
}

// logCall appends the structured JSONL record for this call.
func (f *Facade) logCall(ctx context.Context, req *Request, providerKey, routeReason string, resp *Response, dur time.Duration, callErr error) {
	logger := runlog.FromContext(ctx)
	if logger == nil {
		return
	}
	fields := map[string]any{
		"provider":       providerKey,
		"route_reason":   routeReason,
		"messages_count": len(req.Messages),
		"json_mode":      req.Options.JSONMode,
		"duration_ms":    dur.Milliseconds(),
	}
	if req.Options.MaxOutputTokens > 0 {
		fields["max_output_tokens"] = req.Options.MaxOutputTokens
	}
	if resp != nil {
		fields["response_text"] = resp.Text
		fields["model"] = resp.Model
		fields["cached_tokens"] = resp.Usage.CachedTokens
		fields["new_input_tokens"] = resp.Usage.NewInputTokens
		fields["output_tokens"] = resp.Usage.OutputTokens
	}
	if callErr != nil {
		fields["error"] = callErr.Error()
	}
	logger.Event("llm.call", fields)
}

// isRetryable classifies connection, timeout, rate-limit, and 5xx errors
// as retryable. Cancellation is never retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRequestCancelled) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "rate_limit", "429", "500", "502", "503", "504",
		"overloaded", "connection refused", "connection reset", "timeout",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
