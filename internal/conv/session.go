package conv

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voluble-ai/voluble/internal/observe"
	"github.com/voluble-ai/voluble/internal/vad"
)

// TurnDriver runs the transcribe, reason, and synthesize cascade for one
// captured utterance. StartTurn must return quickly; the work happens on the
// driver's own goroutine and progress flows back through the session's event
// methods. StopSynthesis cancels an in-flight synthesis by handle and must be
// idempotent.
type TurnDriver interface {
	StartTurn(ctx context.Context, s *Session, pcm []byte)
	StopSynthesis(handle string)
}

// Notifier delivers session output to the connected client. Implementations
// must not block; the transport queues writes behind its own goroutine. A nil
// or absent notifier silently drops output, which is the desired behaviour
// while a client is disconnected.
type Notifier interface {
	StateChanged(tr Transition)
	Thinking()
	StopPlayback()
	SendAudio(pcm []byte, final bool)
}

// Observer receives durable-state callbacks for persistence. Implementations
// must not block the caller.
type Observer interface {
	SessionChanged(snap Snapshot)
	TurnCompleted(sessionID string, turn Turn)
	TransitionRecorded(sessionID string, tr Transition)
}

// Session is one live conversation. All mutation happens on the session's own
// event loop goroutine; collaborators post events and read snapshots.
type Session struct {
	id       string
	tenantID string
	userID   string
	cfg      SessionConfig
	timing   Timing
	maxBytes int

	driver   TurnDriver
	observer Observer
	metrics  *observe.Metrics
	log      *slog.Logger

	events  chan event
	done    chan struct{}
	endOnce sync.Once

	notifMu  sync.RWMutex
	notifier Notifier

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// Everything below is written only by the event loop, under mu so that
	// snapshot readers see a consistent view.
	mu            sync.RWMutex
	state         State
	frames        [][]byte
	bufferedBytes int
	transcript    string
	responseText  string
	citations     []string
	handle        string
	turnCancel    context.CancelFunc
	speechEndedAt time.Time
	history       []Turn
	transitions   []Transition
	m             SessionMetrics
	createdAt     time.Time
	lastActivity  time.Time
	endedAt       *time.Time

	det          *vad.Detector
	silenceTimer *time.Timer
	dwellTimer   *time.Timer
	recoverTimer *time.Timer
}

// ─── Events ──────────────────────────────────────────────────────────────────

type event any

type (
	frameEvent            struct{ data []byte }
	interruptEvent        struct{ cause string }
	transcriptionEvent    struct{ text string }
	synthesisStartedEvent struct{ handle string }
	synthesisDoneEvent    struct{ turn Turn }
	failureEvent          struct{ kind ErrorKind }
	endEvent              struct{}
	silenceElapsedEvent   struct{}
	dwellElapsedEvent     struct{}
	recoverElapsedEvent   struct{}
	syncEvent             struct{ ch chan struct{} }
)

type responseEvent struct {
	text      string
	citations []string
	handle    string
}

func (s *Session) post(ev event) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

// PushFrame submits one binary audio frame from the transport.
func (s *Session) PushFrame(data []byte) { s.post(frameEvent{data: data}) }

// Interrupt requests a barge-in on behalf of the user. A no-op unless the
// assistant is currently answering or speaking.
func (s *Session) Interrupt() { s.post(interruptEvent{cause: "user_interrupt"}) }

// CompleteTranscription reports the final transcription of the captured
// utterance. Empty or whitespace-only text returns the session to listening.
func (s *Session) CompleteTranscription(text string) {
	s.post(transcriptionEvent{text: text})
}

// CompleteReasoning reports the assistant response together with the handle
// that identifies the synthesis about to start.
func (s *Session) CompleteReasoning(text string, citations []string, handle string) {
	s.post(responseEvent{text: text, citations: citations, handle: handle})
}

// StartSynthesis reports that audio generation began for the given handle.
func (s *Session) StartSynthesis(handle string) {
	s.post(synthesisStartedEvent{handle: handle})
}

// CompleteSynthesis reports a cleanly finished turn.
func (s *Session) CompleteSynthesis(turn Turn) { s.post(synthesisDoneEvent{turn: turn}) }

// Fail reports a turn-local downstream failure.
func (s *Session) Fail(kind ErrorKind) { s.post(failureEvent{kind: kind}) }

// End terminates the session. Idempotent.
func (s *Session) End() { s.post(endEvent{}) }

// Wait blocks until every event posted before the call has been applied, or
// the session has ended. A test barrier.
func (s *Session) Wait() {
	ch := make(chan struct{})
	s.post(syncEvent{ch: ch})
	select {
	case <-ch:
	case <-s.done:
	}
}

// Done is closed when the session has ended and its loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// ─── Loop ────────────────────────────────────────────────────────────────────

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.apply(ev)
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Session) apply(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case frameEvent:
		s.handleFrame(e.data)
	case interruptEvent:
		s.handleInterrupt(e.cause)
	case transcriptionEvent:
		s.handleTranscription(e.text)
	case responseEvent:
		s.handleResponse(e)
	case synthesisStartedEvent:
		s.handleSynthesisStarted(e.handle)
	case synthesisDoneEvent:
		s.handleSynthesisDone(e.turn)
	case failureEvent:
		s.handleFailure(e.kind)
	case silenceElapsedEvent:
		s.handleSilenceElapsed()
	case dwellElapsedEvent:
		if s.state == StateInterrupted {
			s.transition(StateListening, "interrupt_elapsed", nil)
		}
	case recoverElapsedEvent:
		if s.state == StateError {
			s.transition(StateIdle, "error_recovered", nil)
		}
	case endEvent:
		s.handleEnd()
	case syncEvent:
		close(e.ch)
	}
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Session) handleFrame(data []byte) {
	if s.state == StateEnded {
		return
	}
	s.lastActivity = time.Now()
	if len(data) == 0 {
		return
	}
	if len(data)%2 != 0 {
		s.m.BadFrames++
		s.countDropped("malformed")
		s.log.Warn("dropping malformed audio frame", "len", len(data))
		return
	}

	// Incoming audio while idle means the user started talking.
	if s.state == StateIdle {
		s.transition(StateListening, "user_audio", nil)
	}

	if s.state == StateListening {
		s.appendFrame(data)
	}

	r, err := s.det.Process(data)
	if err != nil {
		s.log.Warn("vad rejected frame", "error", err)
		return
	}
	if r.CancelSilence {
		stopTimer(&s.silenceTimer)
	}
	if r.SpeechStarted {
		s.handleSpeechStarted()
	}
	if r.ArmSilence {
		stopTimer(&s.silenceTimer)
		s.silenceTimer = time.AfterFunc(s.det.Window(), func() {
			s.post(silenceElapsedEvent{})
		})
	}
}

// appendFrame buffers a frame, evicting oldest frames when the cap is hit.
func (s *Session) appendFrame(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.frames = append(s.frames, buf)
	s.bufferedBytes += len(buf)

	for s.bufferedBytes > s.maxBytes && len(s.frames) > 1 {
		s.bufferedBytes -= len(s.frames[0])
		s.frames[0] = nil
		s.frames = s.frames[1:]
		s.m.DroppedFrames++
		s.countDropped("backpressure")
	}
}

func (s *Session) handleSpeechStarted() {
	switch s.state {
	case StateAnswering, StateSpeaking:
		s.beginInterrupt("vad_started")
	case StateIdle:
		s.transition(StateListening, "vad_started", nil)
	}
}

func (s *Session) handleSilenceElapsed() {
	if !s.det.SilenceElapsed() {
		return
	}
	if s.state != StateListening {
		return
	}
	if s.bufferedBytes == 0 {
		s.transition(StateIdle, "vad_ended", nil)
		return
	}
	s.startTurn()
}

// startTurn snapshots the captured audio and hands it to the driver.
func (s *Session) startTurn() {
	if !s.transition(StateTranscribing, "vad_ended", nil) {
		return
	}
	s.speechEndedAt = time.Now()

	pcm := make([]byte, 0, s.bufferedBytes)
	for _, f := range s.frames {
		pcm = append(pcm, f...)
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.turnCancel = cancel
	go s.driver.StartTurn(ctx, s, pcm)
}

func (s *Session) handleInterrupt(cause string) {
	switch s.state {
	case StateAnswering, StateSpeaking:
		s.beginInterrupt(cause)
	default:
		s.log.Debug("ignoring interrupt", "state", s.state, "cause", cause)
	}
}

// beginInterrupt runs the barge-in protocol: abandon the in-flight turn, tell
// the client to stop playback, and resume listening after a short dwell.
func (s *Session) beginInterrupt(cause string) {
	from := s.state
	handle := s.handle
	if !s.transition(StateInterrupted, cause, map[string]any{"interrupted_from": string(from)}) {
		return
	}
	if s.metrics != nil {
		s.metrics.Interrupts.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("cause", cause)))
	}

	s.clearTurn()
	if handle != "" {
		s.driver.StopSynthesis(handle)
	}
	s.notify(func(n Notifier) { n.StopPlayback() })

	stopTimer(&s.dwellTimer)
	s.dwellTimer = time.AfterFunc(s.timing.InterruptDwell, func() {
		s.post(dwellElapsedEvent{})
	})
}

func (s *Session) handleTranscription(text string) {
	if s.state != StateTranscribing {
		s.log.Debug("dropping transcription outside TRANSCRIBING", "state", s.state)
		return
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		// Nothing usable was said; go straight back to listening.
		s.transition(StateListening, "transcription_final", nil)
		s.clearTurn()
		return
	}
	s.transcript = trimmed
	s.transition(StateInterpreting, "transcription_final", nil)
}

func (s *Session) handleResponse(e responseEvent) {
	if s.state != StateInterpreting {
		s.log.Debug("dropping response outside INTERPRETING", "state", s.state)
		return
	}
	s.responseText = e.text
	s.citations = e.citations
	s.handle = e.handle
	s.transition(StateAnswering, "llm_response_complete", nil)
}

func (s *Session) handleSynthesisStarted(handle string) {
	if s.state != StateAnswering || handle != s.handle {
		s.log.Debug("dropping synthesis start", "state", s.state, "handle", handle)
		return
	}
	s.transition(StateSpeaking, "tts_started", nil)
}

func (s *Session) handleSynthesisDone(turn Turn) {
	if s.state != StateSpeaking {
		s.log.Debug("dropping synthesis completion outside SPEAKING", "state", s.state)
		return
	}
	if !s.transition(StateIdle, "tts_complete", nil) {
		return
	}

	s.history = append(s.history, turn)
	s.m.TotalTurns++
	s.m.TotalAudioMS += turn.AudioDurationMS
	// Rolling average over completed turns.
	n := s.m.TotalTurns
	s.m.AvgTurnLatencyMS += (turn.LatencyMS - s.m.AvgTurnLatencyMS) / n

	s.clearTurn()
	if s.observer != nil {
		s.observer.TurnCompleted(s.id, turn)
		s.observer.SessionChanged(s.snapshotLocked())
	}
}

func (s *Session) handleFailure(kind ErrorKind) {
	if !s.transition(StateError, string(kind), nil) {
		return
	}
	s.clearTurn()
	s.clearAudioBuffer()
	s.det.Reset()
	stopTimer(&s.silenceTimer)

	stopTimer(&s.recoverTimer)
	s.recoverTimer = time.AfterFunc(s.timing.ErrorRecovery, func() {
		s.post(recoverElapsedEvent{})
	})
}

func (s *Session) handleEnd() {
	if s.state == StateEnded {
		return
	}
	s.transition(StateEnded, "session_end", nil)
	s.clearTurn()
	s.clearAudioBuffer()
	stopTimer(&s.silenceTimer)
	stopTimer(&s.dwellTimer)
	stopTimer(&s.recoverTimer)
	now := time.Now()
	s.endedAt = &now
	s.baseCancel()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if s.observer != nil {
		s.observer.SessionChanged(s.snapshotLocked())
	}
	s.endOnce.Do(func() { close(s.done) })
}

// ─── Transition core ─────────────────────────────────────────────────────────

// transition applies one state change if the table allows it. Illegal
// attempts are logged and counted but have no other effect.
func (s *Session) transition(to State, cause string, meta map[string]any) bool {
	from := s.state
	if !CanTransition(from, to) {
		s.log.Warn("rejecting illegal transition",
			"session_id", s.id, "from", from, "to", to, "event", cause)
		if s.metrics != nil {
			s.metrics.RecordInvalidTransition(context.Background(), string(from), string(to))
		}
		return false
	}

	now := time.Now()
	s.state = to
	s.lastActivity = now
	tr := Transition{From: from, To: to, Event: cause, Metadata: meta, At: now}
	s.transitions = append(s.transitions, tr)

	// Housekeeping tied to the table, not to individual handlers.
	if from == StateTranscribing {
		s.clearAudioBuffer()
	}
	switch to {
	case StateInterrupted:
		s.m.InterruptCount++
	case StateError:
		s.m.ErrorCount++
	case StateInterpreting:
		s.notify(func(n Notifier) { n.Thinking() })
	}
	if to != StateAnswering && to != StateSpeaking {
		s.handle = ""
	}

	s.log.Debug("state transition",
		"session_id", s.id, "from", from, "to", to, "event", cause)
	if s.metrics != nil {
		s.metrics.RecordTransition(context.Background(), string(from), string(to))
	}
	s.notify(func(n Notifier) { n.StateChanged(tr) })
	if s.observer != nil {
		s.observer.TransitionRecorded(s.id, tr)
		s.observer.SessionChanged(s.snapshotLocked())
	}
	return true
}

// clearTurn drops all in-flight turn state and cancels the driver's context.
func (s *Session) clearTurn() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.transcript = ""
	s.responseText = ""
	s.citations = nil
	s.handle = ""
}

func (s *Session) clearAudioBuffer() {
	s.frames = nil
	s.bufferedBytes = 0
}

func (s *Session) countDropped(reason string) {
	if s.metrics != nil {
		s.metrics.DroppedFrames.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("reason", reason)))
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// ─── Read side ───────────────────────────────────────────────────────────────

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// TenantID returns the owning tenant.
func (s *Session) TenantID() string { return s.tenantID }

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// Config returns the immutable session configuration.
func (s *Session) Config() SessionConfig { return s.cfg }

// State returns the current conversation state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SpeechEndedAt returns when the current turn's utterance was cut, for
// latency accounting. Zero before the first turn.
func (s *Session) SpeechEndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speechEndedAt
}

// History returns a copy of the completed turns, oldest first.
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryTail returns a copy of at most n most recent turns, oldest first.
func (s *Session) HistoryTail(n int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := max(len(s.history)-n, 0)
	out := make([]Turn, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// Transitions returns a copy of the transition log, oldest first.
func (s *Session) Transitions() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:           s.id,
		TenantID:     s.tenantID,
		UserID:       s.userID,
		State:        s.state,
		Config:       s.cfg,
		Metrics:      s.m,
		Transcript:   s.transcript,
		Response:     s.responseText,
		Citations:    slices.Clone(s.citations),
		Connected:    s.Connected(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		EndedAt:      s.endedAt,
	}
}

// LastActivity returns the time of the most recent event.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// BufferedBytes returns the current audio buffer size.
func (s *Session) BufferedBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bufferedBytes
}

// SetNotifier binds or replaces the client-facing notifier. Pass nil on
// disconnect; output is dropped until a new client binds.
func (s *Session) SetNotifier(n Notifier) {
	s.notifMu.Lock()
	s.notifier = n
	s.notifMu.Unlock()
}

// ClearNotifier unbinds n if it is still the bound notifier. A stale
// disconnect must not unbind a client that reconnected in the meantime.
func (s *Session) ClearNotifier(n Notifier) {
	s.notifMu.Lock()
	if s.notifier == n {
		s.notifier = nil
	}
	s.notifMu.Unlock()
}

// Connected reports whether a client notifier is currently bound.
func (s *Session) Connected() bool {
	s.notifMu.RLock()
	defer s.notifMu.RUnlock()
	return s.notifier != nil
}

// SendAudio forwards synthesized audio to the connected client, if any.
func (s *Session) SendAudio(pcm []byte, final bool) {
	s.notify(func(n Notifier) { n.SendAudio(pcm, final) })
}

func (s *Session) notify(fn func(Notifier)) {
	s.notifMu.RLock()
	n := s.notifier
	s.notifMu.RUnlock()
	if n != nil {
		fn(n)
	}
}
