// Package orchestrator chains the three downstream services into a turn:
// transcribe the captured utterance, reason over it with conversation
// history, synthesize the response. Progress is reported back to the session
// through its event methods; the session's state machine decides what each
// report means.
//
// A turn is cancellable at every stage. The session cancels the turn context
// on barge-in or teardown, and a registered synthesis handle lets the client
// abort audio generation mid-flight.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voluble-ai/voluble/internal/conv"
	"github.com/voluble-ai/voluble/internal/observe"
	"github.com/voluble-ai/voluble/pkg/audio"
	"github.com/voluble-ai/voluble/pkg/provider/llm"
	"github.com/voluble-ai/voluble/pkg/provider/stt"
	"github.com/voluble-ai/voluble/pkg/provider/tts"
)

// Compile-time assertion that Orchestrator implements conv.TurnDriver.
var _ conv.TurnDriver = (*Orchestrator)(nil)

// historyDepth is how many completed turns are replayed to the reasoning
// service as context.
const historyDepth = 5

// Timeouts bounds each downstream stage. Zero values get the defaults.
type Timeouts struct {
	Transcribe time.Duration
	Reason     time.Duration
	Synthesize time.Duration
}

// DefaultTimeouts returns the production stage deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Transcribe: 10 * time.Second,
		Reason:     30 * time.Second,
		Synthesize: 30 * time.Second,
	}
}

// Option is a functional option for configuring an [Orchestrator].
type Option func(*Orchestrator)

// WithTimeouts overrides the stage deadlines. Used by tests.
func WithTimeouts(t Timeouts) Option {
	return func(o *Orchestrator) {
		if t.Transcribe > 0 {
			o.timeouts.Transcribe = t.Transcribe
		}
		if t.Reason > 0 {
			o.timeouts.Reason = t.Reason
		}
		if t.Synthesize > 0 {
			o.timeouts.Synthesize = t.Synthesize
		}
	}
}

// WithMetrics registers the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger overrides the logger. Default: [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// Orchestrator runs turns against the three downstream services. Safe for
// concurrent use across sessions.
type Orchestrator struct {
	transcriber stt.Transcriber
	reasoner    llm.Reasoner
	synthesizer tts.Synthesizer

	timeouts Timeouts
	metrics  *observe.Metrics
	log      *slog.Logger

	mu    sync.Mutex
	synth map[string]context.CancelFunc
}

// New creates an Orchestrator over the given service clients.
func New(t stt.Transcriber, r llm.Reasoner, s tts.Synthesizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transcriber: t,
		reasoner:    r,
		synthesizer: s,
		timeouts:    DefaultTimeouts(),
		log:         slog.Default(),
		synth:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartTurn implements [conv.TurnDriver]. It blocks until the turn finishes,
// fails, or is cancelled; the session calls it on a fresh goroutine.
func (o *Orchestrator) StartTurn(ctx context.Context, s *conv.Session, pcm []byte) {
	log := o.log.With("session_id", s.ID())
	speechEnded := time.Now()

	// ── Transcribe ──
	text, err := o.transcribe(ctx, pcm)
	if err != nil {
		o.stageFailed(ctx, s, log, "transcribe", conv.ErrTranscriptionFailed, err)
		return
	}
	text = strings.TrimSpace(text)
	s.CompleteTranscription(text)
	if text == "" {
		log.Debug("empty transcription, turn abandoned")
		return
	}
	log.Info("utterance transcribed", "chars", len(text))

	// ── Reason ──
	res, err := o.reason(ctx, s, text)
	if err != nil {
		o.stageFailed(ctx, s, log, "reason", conv.ErrReasoningFailed, err)
		return
	}
	handle := uuid.NewString()
	s.CompleteReasoning(res.Response, res.Citations, handle)

	// ── Synthesize ──
	s.StartSynthesis(handle)
	voice, err := o.synthesize(ctx, handle, s.Config(), res.Response)
	if err != nil {
		o.stageFailed(ctx, s, log, "synthesize", conv.ErrSynthesisFailed, err)
		return
	}

	latency := time.Since(speechEnded)
	if o.metrics != nil {
		o.metrics.TurnLatency.Record(ctx, latency.Seconds())
	}

	s.SendAudio(voice, true)
	s.CompleteSynthesis(conv.Turn{
		ID:              uuid.NewString(),
		UserText:        text,
		AssistantText:   res.Response,
		Citations:       res.Citations,
		AudioDurationMS: audio.Duration(len(voice), audio.SampleRate).Milliseconds(),
		LatencyMS:       latency.Milliseconds(),
		CompletedAt:     time.Now(),
	})
	log.Info("turn complete", "latency_ms", latency.Milliseconds())
}

// StopSynthesis implements [conv.TurnDriver]. Unknown handles are ignored.
func (o *Orchestrator) StopSynthesis(handle string) {
	o.mu.Lock()
	cancel, ok := o.synth[handle]
	if ok {
		delete(o.synth, handle)
	}
	o.mu.Unlock()
	if ok {
		cancel()
		o.log.Debug("synthesis cancelled", "handle", handle)
	}
}

func (o *Orchestrator) transcribe(ctx context.Context, pcm []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Transcribe)
	defer cancel()

	start := time.Now()
	res, err := o.transcriber.Transcribe(ctx, pcm)
	o.record(func(m *observe.Metrics) { m.TranscriptionDuration.Record(ctx, time.Since(start).Seconds()) })
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (o *Orchestrator) reason(ctx context.Context, s *conv.Session, userText string) (llm.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Reason)
	defer cancel()

	// Replay the recent history so the model keeps conversational context.
	var messages []llm.Message
	for _, turn := range s.HistoryTail(historyDepth) {
		messages = append(messages,
			llm.Message{Role: "user", Content: turn.UserText},
			llm.Message{Role: "assistant", Content: turn.AssistantText},
		)
	}
	messages = append(messages, llm.Message{Role: "user", Content: userText})

	start := time.Now()
	res, err := o.reasoner.Reason(ctx, llm.Request{
		Messages:  messages,
		TenantID:  s.TenantID(),
		UserID:    s.UserID(),
		SessionID: s.ID(),
	})
	o.record(func(m *observe.Metrics) { m.ReasoningDuration.Record(ctx, time.Since(start).Seconds()) })
	return res, err
}

func (o *Orchestrator) synthesize(ctx context.Context, handle string, cfg conv.SessionConfig, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Synthesize)
	defer cancel()

	// Register the handle so the client can abort generation mid-flight.
	o.mu.Lock()
	o.synth[handle] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.synth, handle)
		o.mu.Unlock()
	}()

	start := time.Now()
	voice, err := o.synthesizer.Synthesize(ctx, tts.Request{
		Text:          text,
		Voice:         cfg.Voice,
		Tone:          cfg.Tone,
		Energy:        cfg.Energy,
		Pace:          cfg.Pace,
		Prosody:       cfg.Prosody,
		EnableBreaths: cfg.EnableBreaths,
		EnableSSML:    cfg.EnableSSML,
	})
	o.record(func(m *observe.Metrics) { m.SynthesisDuration.Record(ctx, time.Since(start).Seconds()) })
	return voice, err
}

// stageFailed routes a stage error. Cancellation is the normal outcome of a
// barge-in or teardown and is absorbed silently; everything else fails the
// turn.
func (o *Orchestrator) stageFailed(ctx context.Context, s *conv.Session, log *slog.Logger, stage string, kind conv.ErrorKind, err error) {
	if errors.Is(err, context.Canceled) {
		log.Debug("turn cancelled", "stage", stage)
		return
	}
	log.Error("turn stage failed", "stage", stage, "error", err)
	if o.metrics != nil {
		o.metrics.RecordServiceError(context.WithoutCancel(ctx), stage, string(kind))
	}
	s.Fail(kind)
}

func (o *Orchestrator) record(fn func(*observe.Metrics)) {
	if o.metrics != nil {
		fn(o.metrics)
	}
}
