package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/llm"
	"github.com/nugget/huddle/internal/metrics"
	"github.com/nugget/huddle/internal/store"
)

// Store is everything the responder reads and writes.
type Store interface {
	Reader
	Writer
	GetThread(ctx context.Context, id string) (*store.Thread, error)
}

// Config tunes a Responder.
type Config struct {
	// Name is the assistant's display name in prompts and stored replies.
	Name string
	// Model is the completion model requested from the provider.
	Model string
	// Window is the cross-thread background size.
	Window int
	// ReplyTimeout bounds the provider request and the final write.
	ReplyTimeout time.Duration
	// PersistRetries is how many extra store attempts a reply gets.
	PersistRetries int
}

// DefaultPersistTimeout bounds storing a finished reply, retries
// included.
const DefaultPersistTimeout = 30 * time.Second

// Responder runs the assistant for one message at a time. It is safe
// for concurrent use; concurrent replies to the same thread are not
// serialized and land in the order the store assigns.
type Responder struct {
	store      Store
	client     llm.Client
	cfg        Config
	aggregator *Aggregator
	driver     *Driver
	sink       *Sink
	bus        *events.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger

	persistTimeout time.Duration
}

// New creates a Responder. bus and m may be nil.
func New(st Store, client llm.Client, cfg Config, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "assistant")
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 5 * time.Minute
	}
	return &Responder{
		store:      st,
		client:     client,
		cfg:        cfg,
		aggregator: NewAggregator(st, cfg.Window, logger),
		driver:     NewDriver(m, logger),
		sink:       NewSink(st, cfg.Name, cfg.PersistRetries, m, logger),
		bus:        bus,
		metrics:    m,
		logger:     logger,

		persistTimeout: DefaultPersistTimeout,
	}
}

// Reply is a prepared response whose provider stream is open.
type Reply struct {
	Request Request
	Prompt  Prompt

	stream  llm.Stream
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
}

// Prepare validates req, aggregates and composes the prompt, and opens
// the provider stream. Every error it returns happens before anything
// has been sent to the caller.
//
// The provider request runs under a context detached from ctx and
// bounded by the reply timeout, so a caller that disconnects does not
// cost the thread its reply.
func (r *Responder) Prepare(ctx context.Context, req Request) (*Reply, error) {
	started := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := r.store.GetThread(ctx, req.ThreadID); err != nil {
		return nil, err
	}

	agg, err := r.aggregator.Aggregate(ctx, req)
	if err != nil {
		return nil, err
	}
	prompt := Compose(r.cfg.Name, agg, req.Message)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReplyTimeout)
	stream, err := r.client.ChatStream(pctx, r.cfg.Model, prompt.Messages())
	if err != nil {
		cancel()
		r.metrics.Response(string(OutcomeFailed))
		if errors.Is(err, llm.ErrProviderNotConfigured) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	r.logger.Debug("reply started",
		"thread_id", req.ThreadID,
		"user_id", req.UserID,
		"model", r.cfg.Model,
		"turns", len(prompt.Turns),
		"roster", len(agg.Roster),
		"background", len(agg.Background),
		"profiles", len(agg.Participants),
	)
	r.publish(events.KindResponseStarted, map[string]any{
		"thread_id": req.ThreadID,
		"user_id":   req.UserID,
		"model":     r.cfg.Model,
	})

	return &Reply{
		Request: req,
		Prompt:  prompt,
		stream:  stream,
		ctx:     pctx,
		cancel:  cancel,
		started: started,
	}, nil
}

// Stream drives a prepared reply to its end, stores it, and emits the
// done marker. Done is always emitted, whatever the outcome.
func (r *Responder) Stream(reply *Reply, emit Emitter) Result {
	defer reply.cancel()

	res := r.driver.Drive(reply.stream, emit, reply.started)

	// The write gets its own deadline; the provider's may already be spent.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(reply.ctx), r.persistTimeout)
	_, perr := r.sink.Persist(wctx, reply.Request.ThreadID, res)
	wcancel()
	if perr != nil && !res.Detached {
		_ = emit.Error("reply not saved", perr.Error())
	}
	if !res.Detached {
		_ = emit.Done()
	}

	elapsed := time.Since(reply.started)
	r.metrics.Response(string(res.Outcome))
	r.publish(events.KindResponseFinished, map[string]any{
		"thread_id":   reply.Request.ThreadID,
		"outcome":     string(res.Outcome),
		"content_len": len(res.Content),
		"elapsed_ms":  elapsed.Milliseconds(),
	})

	log := r.logger.Info
	if res.Outcome == OutcomeFailed {
		log = r.logger.Warn
	}
	attrs := []any{
		"thread_id", reply.Request.ThreadID,
		"outcome", res.Outcome,
		"chunks", res.Chunks,
		"content_len", len(res.Content),
		"detached", res.Detached,
		"elapsed", elapsed.Round(time.Millisecond),
	}
	if res.Err != nil {
		attrs = append(attrs, "error", res.Err)
	}
	log("reply finished", attrs...)
	return res
}

// Respond is Prepare followed by Stream. A non-nil error means nothing
// was emitted.
func (r *Responder) Respond(ctx context.Context, req Request, emit Emitter) (Result, error) {
	reply, err := r.Prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return r.Stream(reply, emit), nil
}

func (r *Responder) publish(kind string, data map[string]any) {
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAssistant,
		Kind:      kind,
		Data:      data,
	})
}
