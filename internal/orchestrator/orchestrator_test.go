package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voluble-ai/voluble/internal/conv"
	"github.com/voluble-ai/voluble/internal/orchestrator"
	"github.com/voluble-ai/voluble/pkg/audio"
	"github.com/voluble-ai/voluble/pkg/provider/llm"
	llmmock "github.com/voluble-ai/voluble/pkg/provider/llm/mock"
	sttmock "github.com/voluble-ai/voluble/pkg/provider/stt/mock"
	"github.com/voluble-ai/voluble/pkg/provider/tts"
	ttsmock "github.com/voluble-ai/voluble/pkg/provider/tts/mock"
)

const testSilenceWindow = 20 * time.Millisecond

type fixture struct {
	stt *sttmock.Transcriber
	llm *llmmock.Reasoner
	tts *ttsmock.Synthesizer
	mgr *conv.Manager
}

func newFixture(t *testing.T, opts ...orchestrator.Option) *fixture {
	t.Helper()
	f := &fixture{
		stt: &sttmock.Transcriber{},
		llm: &llmmock.Reasoner{},
		tts: &ttsmock.Synthesizer{},
	}
	o := orchestrator.New(f.stt, f.llm, f.tts, opts...)
	f.mgr = conv.NewManager(o,
		conv.WithVAD(0.01, testSilenceWindow),
		conv.WithTiming(conv.Timing{
			ErrorRecovery:  25 * time.Millisecond,
			InterruptDwell: 15 * time.Millisecond,
		}),
	)
	t.Cleanup(f.mgr.Shutdown)
	return f
}

func (f *fixture) session(t *testing.T) *conv.Session {
	t.Helper()
	s, err := f.mgr.Create(conv.CreateParams{TenantID: "acme", UserID: "u1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

// speak pushes one loud-then-quiet utterance so the silence window cuts it.
func speak(s *conv.Session) {
	s.PushFrame(audio.Tone(640, 3277))
	s.PushFrame(make([]byte, 640))
}

// waitState polls until the session reaches want or the deadline passes.
func waitState(t *testing.T, s *conv.Session, want conv.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func TestOrchestrator_FullTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stt.Result.Text = "what's the weather"
	f.llm.Result = llm.Result{Response: "it is sunny", Citations: []string{"wx-1"}}
	f.tts.Audio = make([]byte, audio.BytesPerSecond) // one second of silence

	s := f.session(t)
	speak(s)
	waitState(t, s, conv.StateIdle)

	history := s.History()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	turn := history[0]
	if turn.UserText != "what's the weather" {
		t.Errorf("UserText = %q", turn.UserText)
	}
	if turn.AssistantText != "it is sunny" {
		t.Errorf("AssistantText = %q", turn.AssistantText)
	}
	if len(turn.Citations) != 1 || turn.Citations[0] != "wx-1" {
		t.Errorf("Citations = %v, want [wx-1]", turn.Citations)
	}
	if turn.AudioDurationMS != 1000 {
		t.Errorf("AudioDurationMS = %d, want 1000", turn.AudioDurationMS)
	}

	// The reasoning request carried identity and the user utterance.
	req := f.llm.LastRequest()
	if req.TenantID != "acme" || req.UserID != "u1" || req.SessionID != s.ID() {
		t.Errorf("request identity = %s/%s/%s", req.TenantID, req.UserID, req.SessionID)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "what's the weather" {
		t.Errorf("messages = %+v", req.Messages)
	}

	// The synthesis request carried the session's speech style.
	if got := f.tts.CallCount(); got != 1 {
		t.Fatalf("tts calls = %d, want 1", got)
	}
}

func TestOrchestrator_EmptyTranscriptionAbandonsTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stt.Result.Text = "   "

	s := f.session(t)
	speak(s)
	waitState(t, s, conv.StateListening)

	if got := f.llm.CallCount(); got != 0 {
		t.Errorf("reasoner called %d times, want 0", got)
	}
	if got := len(s.History()); got != 0 {
		t.Errorf("history length = %d, want 0", got)
	}
}

func TestOrchestrator_TranscriptionFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stt.Err = errors.New("whisper fell over")

	s := f.session(t)
	speak(s)
	waitState(t, s, conv.StateError)

	if got := s.Snapshot().Metrics.ErrorCount; got != 1 {
		t.Errorf("ErrorCount = %d, want 1", got)
	}
	// Auto-recovery brings the session back to idle.
	waitState(t, s, conv.StateIdle)
}

func TestOrchestrator_ReasoningTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orchestrator.WithTimeouts(orchestrator.Timeouts{
		Reason: 10 * time.Millisecond,
	}))
	f.stt.Result.Text = "hello"
	f.llm.Fn = func(ctx context.Context, _ llm.Request) (llm.Result, error) {
		<-ctx.Done()
		return llm.Result{}, ctx.Err()
	}

	s := f.session(t)
	speak(s)
	waitState(t, s, conv.StateError)
	waitState(t, s, conv.StateIdle)
}

func TestOrchestrator_BargeInCancelsSynthesis(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stt.Result.Text = "tell me a story"
	f.llm.Result = llm.Result{Response: "once upon a time"}

	release := make(chan struct{})
	f.tts.Fn = func(ctx context.Context, _ tts.Request) ([]byte, error) {
		close(release)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s := f.session(t)
	speak(s)
	waitState(t, s, conv.StateSpeaking)
	<-release

	s.Interrupt()
	waitState(t, s, conv.StateListening)

	// Cancellation is not a failure and records no turn.
	snap := s.Snapshot()
	if snap.Metrics.ErrorCount != 0 {
		t.Errorf("ErrorCount = %d, want 0", snap.Metrics.ErrorCount)
	}
	if snap.Metrics.InterruptCount != 1 {
		t.Errorf("InterruptCount = %d, want 1", snap.Metrics.InterruptCount)
	}
	if got := len(s.History()); got != 0 {
		t.Errorf("history length = %d, want 0", got)
	}
}

func TestOrchestrator_HistoryTailCapped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stt.Result.Text = "again"
	f.llm.Result = llm.Result{Response: "sure"}
	f.tts.Audio = make([]byte, 320)

	s := f.session(t)
	for range 7 {
		speak(s)
		waitState(t, s, conv.StateIdle)
	}

	if got := len(s.History()); got != 7 {
		t.Fatalf("history length = %d, want 7", got)
	}
	// The last request replays at most five prior turns plus the new text.
	req := f.llm.LastRequest()
	if got := len(req.Messages); got != 11 {
		t.Errorf("message count = %d, want 11", got)
	}
}
