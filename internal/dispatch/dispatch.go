// Package dispatch implements failover-driven delivery of one chat
// request across the credential pool. The engine walks the fairness-
// ordered candidate list, classifies each upstream attempt into an
// explicit outcome, and keeps the penalize-or-not policy in one place:
// authentication rejections demote the credential, transient capacity
// conditions advance without penalty.
package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openchat-hq/keyrelay/internal/keypool"
	"github.com/openchat-hq/keyrelay/internal/metrics"
	"github.com/openchat-hq/keyrelay/internal/models"
	"github.com/openchat-hq/keyrelay/internal/observability"
	"github.com/openchat-hq/keyrelay/internal/relay"
	"github.com/openchat-hq/keyrelay/internal/upstream"
	relayerrors "github.com/openchat-hq/keyrelay/pkg/errors"
	"github.com/openchat-hq/keyrelay/pkg/types"
)

// Pool is the credential pool surface the engine needs.
type Pool interface {
	ListCandidates(ctx context.Context) ([]keypool.Candidate, error)
	MarkFailed(ctx context.Context, id string) error
	RecordUsage(ctx context.Context, id string) error
}

// Upstream opens streaming completion calls.
type Upstream interface {
	StreamCompletion(ctx context.Context, secret string, req *types.CompletionRequest) (io.ReadCloser, error)
}

// StatsNotifier receives fire-and-forget completion notifications.
type StatsNotifier interface {
	NotifyCompletion(model string, latency time.Duration)
}

// Sink receives normalized events for the caller. A Send error means
// the caller is gone; the engine stops pulling from upstream.
type Sink interface {
	Send(ev types.Event) error
}

// Config tunes per-request validation and the attempt cap.
type Config struct {
	// MaxAttempts bounds candidate attempts per request independent
	// of pool size, so a large unhealthy pool cannot stall a caller.
	MaxAttempts int `yaml:"max_attempts"`

	// MaxMessages and MaxMessageBytes bound request size. Enforced
	// once, before any candidate is contacted.
	MaxMessages     int `yaml:"max_messages"`
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		MaxMessages:     200,
		MaxMessageBytes: 32 * 1024,
	}
}

// Engine dispatches chat requests. Safe for concurrent use; all shared
// state lives behind the pool.
type Engine struct {
	pool     Pool
	upstream Upstream
	stats    StatsNotifier
	tracer   trace.Tracer
	logger   *slog.Logger
	cfg      Config

	// spawn runs deferred work; replaced in tests to run inline.
	spawn func(fn func())
}

// New creates a dispatch engine.
func New(pool Pool, up Upstream, stats StatsNotifier, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultConfig().MaxMessages
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultConfig().MaxMessageBytes
	}
	return &Engine{
		pool:     pool,
		upstream: up,
		stats:    stats,
		tracer:   noop.NewTracerProvider().Tracer(observability.TracerName),
		logger:   logger.With("component", "dispatch"),
		cfg:      cfg,
		spawn:    func(fn func()) { go fn() },
	}
}

// SetTracer installs a tracer for dispatch spans.
func (e *Engine) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		e.tracer = tracer
	}
}

// outcome classifies one candidate attempt.
type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeSoftFail          // 2xx but the stream ended with nothing delivered
	outcomeAuthReject
	outcomeTransient
	outcomeOther
	outcomeInterrupted // failure after partial delivery; terminal
)

func (o outcome) String() string {
	switch o {
	case outcomeDelivered:
		return "delivered"
	case outcomeSoftFail:
		return "soft_fail"
	case outcomeAuthReject:
		return "auth_reject"
	case outcomeTransient:
		return "transient"
	case outcomeOther:
		return "other"
	case outcomeInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Dispatch delivers one chat request through the sink. It returns nil
// once the stream completed, or a *errors.DispatchError describing the
// terminal condition. Exactly one candidate's response ever reaches the
// sink; once an event has been sent the engine never switches
// candidates.
func (e *Engine) Dispatch(ctx context.Context, req *types.ChatRequest, sink Sink) error {
	start := time.Now()

	model, err := e.validate(req)
	if err != nil {
		return err
	}

	ctx, span := observability.StartDispatchSpan(ctx, e.tracer, model)
	defer span.End()

	candidates, listErr := e.pool.ListCandidates(ctx)
	if listErr != nil {
		// A store outage leaves nothing to dispatch against.
		e.logger.Error("candidate listing failed", "error", listErr)
		return relayerrors.NewPoolExhausted()
	}
	if len(candidates) == 0 {
		return relayerrors.NewPoolExhausted()
	}

	attempts := len(candidates)
	if attempts > e.cfg.MaxAttempts {
		attempts = e.cfg.MaxAttempts
	}

	completion := &types.CompletionRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   true,
	}

	for i := 0; i < attempts; i++ {
		cand := candidates[i]
		out, delivered := e.attempt(ctx, cand, completion, sink)
		metrics.DispatchAttempts.WithLabelValues(out.String()).Inc()

		switch out {
		case outcomeDelivered:
			observability.RecordDispatchResult(span, i+1, delivered)
			e.spawn(func() {
				e.stats.NotifyCompletion(model, time.Since(start))
			})
			return nil

		case outcomeInterrupted:
			observability.RecordDispatchResult(span, i+1, delivered)
			return relayerrors.NewStreamInterrupted("stream interrupted after partial delivery")

		case outcomeAuthReject:
			e.demote(cand.ID)

		case outcomeTransient, outcomeSoftFail, outcomeOther:
			// Advance to the next candidate; the credential keeps
			// its standing.
		}
	}

	observability.RecordDispatchResult(span, attempts, 0)
	return relayerrors.NewAllCandidatesExhausted(attempts)
}

// validate enforces the per-request limits once, before any upstream
// contact.
func (e *Engine) validate(req *types.ChatRequest) (string, *relayerrors.DispatchError) {
	if req == nil || len(req.Messages) == 0 {
		return "", relayerrors.NewInvalidRequest("messages is required")
	}
	if len(req.Messages) > e.cfg.MaxMessages {
		return "", relayerrors.NewInvalidRequest("too many messages")
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case types.RoleSystem, types.RoleUser, types.RoleAssistant:
		default:
			return "", relayerrors.NewInvalidRequest("unknown message role")
		}
		if len(msg.Content) > e.cfg.MaxMessageBytes {
			return "", relayerrors.NewInvalidRequest("message too large")
		}
	}

	model, ok := models.Resolve(req.Model)
	if !ok {
		return "", relayerrors.NewInvalidRequest("unknown model")
	}
	return model, nil
}

// attempt issues one upstream call and streams its response into the
// sink. It reports how the attempt ended and how many events reached
// the caller.
func (e *Engine) attempt(ctx context.Context, cand keypool.Candidate, req *types.CompletionRequest, sink Sink) (outcome, int) {
	body, err := e.upstream.StreamCompletion(ctx, cand.Secret, req)
	if err != nil {
		return e.classifyCallError(cand.ID, err), 0
	}
	defer func() { _ = body.Close() }()

	rel := relay.New(body)
	delivered := 0
	usageRecorded := sync.OnceFunc(func() {
		e.record(cand.ID)
	})

	for {
		ev, err := rel.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if delivered > 0 {
				e.logger.Warn("upstream stream failed mid-delivery", "error", err)
				return outcomeInterrupted, delivered
			}
			e.logger.Warn("upstream stream failed before delivery", "error", err)
			return outcomeOther, 0
		}

		if sendErr := sink.Send(ev); sendErr != nil {
			// The caller is gone. Stop pulling so the upstream
			// connection is released promptly. Nothing delivered
			// means nothing to account for.
			e.logger.Debug("sink closed during stream", "error", sendErr)
			return outcomeInterrupted, delivered
		}

		delivered++
		metrics.StreamEvents.WithLabelValues(ev.Type).Inc()
		usageRecorded()
	}

	if delivered == 0 {
		// Handshake succeeded but the stream carried nothing; the
		// caller has seen no bytes, so the next candidate is safe.
		return outcomeSoftFail, 0
	}
	return outcomeDelivered, delivered
}

func (e *Engine) classifyCallError(candidateID string, err error) outcome {
	if statusErr, ok := asStatusError(err); ok {
		switch {
		case statusErr.StatusCode == 401:
			return outcomeAuthReject
		case statusErr.StatusCode == 429:
			e.logger.Info("candidate rate limited upstream, advancing", "id", candidateID)
			return outcomeTransient
		default:
			e.logger.Warn("upstream call failed, advancing",
				"id", candidateID, "status", statusErr.StatusCode)
			return outcomeOther
		}
	}
	e.logger.Warn("upstream call failed, advancing", "id", candidateID, "error", err)
	return outcomeOther
}

// record bumps usage for a credential, off the streaming path.
func (e *Engine) record(id string) {
	e.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.pool.RecordUsage(ctx, id); err != nil {
			e.logger.Warn("usage record failed", "id", id, "error", err)
		}
	})
}

// demote marks a credential failed after an upstream auth rejection.
func (e *Engine) demote(id string) {
	metrics.CredentialDemotions.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.pool.MarkFailed(ctx, id); err != nil {
		e.logger.Error("credential demotion failed", "id", id, "error", err)
	}
}

func asStatusError(err error) (*upstream.StatusError, bool) {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		return statusErr, true
	}
	return nil, false
}
