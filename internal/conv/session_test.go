package conv_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voluble-ai/voluble/internal/conv"
	"github.com/voluble-ai/voluble/pkg/audio"
)

// Test timing: short enough to keep the suite fast, long enough that timer
// callbacks reliably fire between sleeps.
const (
	testSilenceWindow  = 20 * time.Millisecond
	testInterruptDwell = 15 * time.Millisecond
	testErrorRecovery  = 25 * time.Millisecond
)

// fakeDriver records turn starts and synthesis stops without doing any work,
// leaving the session parked in TRANSCRIBING until the test posts progress.
type fakeDriver struct {
	mu      sync.Mutex
	turns   [][]byte
	stopped []string
}

func (d *fakeDriver) StartTurn(_ context.Context, _ *conv.Session, pcm []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turns = append(d.turns, pcm)
}

func (d *fakeDriver) StopSynthesis(handle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, handle)
}

func (d *fakeDriver) turnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.turns)
}

func (d *fakeDriver) stoppedHandles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.stopped))
	copy(out, d.stopped)
	return out
}

// fakeNotifier records client-bound output.
type fakeNotifier struct {
	mu           sync.Mutex
	transitions  []conv.Transition
	thinking     int
	stopPlayback int
	audio        [][]byte
}

func (n *fakeNotifier) StateChanged(tr conv.Transition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, tr)
}

func (n *fakeNotifier) Thinking() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.thinking++
}

func (n *fakeNotifier) StopPlayback() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopPlayback++
}

func (n *fakeNotifier) SendAudio(pcm []byte, _ bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.audio = append(n.audio, pcm)
}

func (n *fakeNotifier) stopPlaybackCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopPlayback
}

func loud() []byte  { return audio.Tone(640, 3277) }
func quiet() []byte { return make([]byte, 640) }

func newTestManager(t *testing.T, opts ...conv.ManagerOption) (*conv.Manager, *fakeDriver) {
	t.Helper()
	driver := &fakeDriver{}
	base := []conv.ManagerOption{
		conv.WithVAD(0.01, testSilenceWindow),
		conv.WithTiming(conv.Timing{
			ErrorRecovery:  testErrorRecovery,
			InterruptDwell: testInterruptDwell,
		}),
	}
	m := conv.NewManager(driver, append(base, opts...)...)
	t.Cleanup(m.Shutdown)
	return m, driver
}

func newTestSession(t *testing.T, m *conv.Manager) *conv.Session {
	t.Helper()
	s, err := m.Create(conv.CreateParams{TenantID: "acme", UserID: "u1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

// driveToSpeaking walks a session through a full captured utterance up to
// SPEAKING with synthesis handle "h1".
func driveToSpeaking(t *testing.T, s *conv.Session) {
	t.Helper()
	s.PushFrame(loud())
	s.PushFrame(quiet())
	time.Sleep(2 * testSilenceWindow)
	s.Wait()
	if got := s.State(); got != conv.StateTranscribing {
		t.Fatalf("state after silence = %s, want TRANSCRIBING", got)
	}
	s.CompleteTranscription("what's the weather")
	s.CompleteReasoning("it is sunny", nil, "h1")
	s.StartSynthesis("h1")
	s.Wait()
	if got := s.State(); got != conv.StateSpeaking {
		t.Fatalf("state = %s, want SPEAKING", got)
	}
}

func TestSession_FrameWakesIdleSession(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	s := newTestSession(t, m)

	s.PushFrame(loud())
	s.Wait()

	if got := s.State(); got != conv.StateListening {
		t.Errorf("state = %s, want LISTENING", got)
	}
	if got := s.BufferedBytes(); got != 640 {
		t.Errorf("BufferedBytes = %d, want 640", got)
	}
}

func TestSession_FullTurn(t *testing.T) {
	t.Parallel()

	m, driver := newTestManager(t)
	s := newTestSession(t, m)

	driveToSpeaking(t, s)

	if got := driver.turnCount(); got != 1 {
		t.Fatalf("driver turn count = %d, want 1", got)
	}

	turn := conv.Turn{
		ID:              "t1",
		UserText:        "what's the weather",
		AssistantText:   "it is sunny",
		AudioDurationMS: 1200,
		LatencyMS:       340,
		CompletedAt:     time.Now(),
	}
	s.CompleteSynthesis(turn)
	s.Wait()

	if got := s.State(); got != conv.StateIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
	history := s.History()
	if len(history) != 1 || history[0].ID != "t1" {
		t.Fatalf("history = %+v, want the one completed turn", history)
	}

	snap := s.Snapshot()
	if snap.Metrics.TotalTurns != 1 {
		t.Errorf("TotalTurns = %d, want 1", snap.Metrics.TotalTurns)
	}
	if snap.Metrics.AvgTurnLatencyMS != 340 {
		t.Errorf("AvgTurnLatencyMS = %d, want 340", snap.Metrics.AvgTurnLatencyMS)
	}
	if snap.Metrics.TotalAudioMS != 1200 {
		t.Errorf("TotalAudioMS = %d, want 1200", snap.Metrics.TotalAudioMS)
	}

	// The transition chain for a clean turn.
	want := []conv.State{
		conv.StateListening, conv.StateTranscribing, conv.StateInterpreting,
		conv.StateAnswering, conv.StateSpeaking, conv.StateIdle,
	}
	trs := s.Transitions()
	if len(trs) != len(want) {
		t.Fatalf("transition count = %d, want %d: %+v", len(trs), len(want), trs)
	}
	for i, tr := range trs {
		if tr.To != want[i] {
			t.Errorf("transition %d = %s→%s, want →%s", i, tr.From, tr.To, want[i])
		}
	}
}

func TestSession_EmptyTranscriptionReturnsToListening(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	s := newTestSession(t, m)

	s.PushFrame(loud())
	s.PushFrame(quiet())
	time.Sleep(2 * testSilenceWindow)
	s.Wait()
	if got := s.State(); got != conv.StateTranscribing {
		t.Fatalf("state = %s, want TRANSCRIBING", got)
	}

	s.CompleteTranscription("   ")
	s.Wait()

	if got := s.State(); got != conv.StateListening {
		t.Errorf("state = %s, want LISTENING", got)
	}
	if got := s.BufferedBytes(); got != 0 {
		t.Errorf("BufferedBytes = %d, want 0 after the turn was abandoned", got)
	}
}

func TestSession_InterruptDuringSpeaking(t *testing.T) {
	t.Parallel()

	m, driver := newTestManager(t)
	s := newTestSession(t, m)
	notifier := &fakeNotifier{}
	s.SetNotifier(notifier)

	driveToSpeaking(t, s)

	s.Interrupt()
	s.Wait()

	if got := s.State(); got != conv.StateInterrupted {
		t.Fatalf("state = %s, want INTERRUPTED", got)
	}
	if got := driver.stoppedHandles(); len(got) != 1 || got[0] != "h1" {
		t.Errorf("stopped handles = %v, want [h1]", got)
	}
	if got := notifier.stopPlaybackCount(); got != 1 {
		t.Errorf("stop_playback count = %d, want 1", got)
	}

	// A second interrupt before the dwell elapses is absorbed.
	s.Interrupt()
	s.Wait()
	if got := s.Snapshot().Metrics.InterruptCount; got != 1 {
		t.Errorf("InterruptCount = %d, want 1 after rapid double interrupt", got)
	}

	// After the dwell the session is listening again.
	time.Sleep(3 * testInterruptDwell)
	s.Wait()
	if got := s.State(); got != conv.StateListening {
		t.Errorf("state after dwell = %s, want LISTENING", got)
	}
}

func TestSession_BargeInViaVoice(t *testing.T) {
	t.Parallel()

	m, driver := newTestManager(t)
	s := newTestSession(t, m)

	driveToSpeaking(t, s)

	// Silence first so the detector closes the old region, then speech while
	// the assistant is talking.
	time.Sleep(2 * testSilenceWindow)
	s.PushFrame(quiet())
	s.PushFrame(loud())
	s.Wait()

	if got := s.State(); got != conv.StateInterrupted {
		t.Errorf("state = %s, want INTERRUPTED after voice barge-in", got)
	}
	if got := driver.stoppedHandles(); len(got) != 1 {
		t.Errorf("stopped handles = %v, want exactly one", got)
	}
}

func TestSession_InterruptIgnoredWhileIdle(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	s := newTestSession(t, m)

	s.Interrupt()
	s.Wait()

	if got := s.State(); got != conv.StateIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
	if got := len(s.Transitions()); got != 0 {
		t.Errorf("transition count = %d, want 0", got)
	}
}

func TestSession_FailureRecoversToIdle(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	s := newTestSession(t, m)

	s.PushFrame(loud())
	s.PushFrame(quiet())
	time.Sleep(2 * testSilenceWindow)
	s.Wait()

	s.Fail(conv.ErrTranscriptionFailed)
	s.Wait()

	if got := s.State(); got != conv.StateError {
		t.Fatalf("state = %s, want ERROR", got)
	}
	if got := s.Snapshot().Metrics.ErrorCount; got != 1 {
		t.Errorf("ErrorCount = %d, want 1", got)
	}
	if got := s.BufferedBytes(); got != 0 {
		t.Errorf("BufferedBytes = %d, want 0 after failure", got)
	}

	time.Sleep(2 * testErrorRecovery)
	s.Wait()
	if got := s.State(); got != conv.StateIdle {
		t.Errorf("state after recovery = %s, want IDLE", got)
	}
}

func TestSession_FailureIgnoredWhileIdle(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	s := newTestSession(t, m)

	s.Fail(conv.ErrReasoningFailed)
	s.Wait()

	if got := s.State(); got != conv.StateIdle {
		t.Errorf("state = %s, want IDLE; ERROR is not reachable from IDLE", got)
	}
}

func TestSession_BufferBackpressure(t *testing.T) {
	t.Parallel()

	// Room for exactly two 640-byte frames.
	m, _ := newTestManager(t, conv.WithMaxBufferBytes(1280))
	s := newTestSession(t, m)

	for range 4 {
		s.PushFrame(loud())
	}
	s.Wait()

	if got := s.BufferedBytes(); got > 1280 {
		t.Errorf("BufferedBytes = %d, want <= 1280", got)
	}
	if got := s.Snapshot().Metrics.DroppedFrames; got != 2 {
		t.Errorf("DroppedFrames = %d, want 2", got)
	}
}

func TestSession_MalformedFrameDropped(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	s := newTestSession(t, m)

	s.PushFrame([]byte{1, 2, 3})
	s.Wait()

	if got := s.State(); got != conv.StateIdle {
		t.Errorf("state = %s, want IDLE; malformed frames must not wake the session", got)
	}
	if got := s.Snapshot().Metrics.BadFrames; got != 1 {
		t.Errorf("BadFrames = %d, want 1", got)
	}
}

func TestSession_StaleEventsIgnored(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	s := newTestSession(t, m)

	// Turn progress events with no turn in flight must all be no-ops.
	s.CompleteTranscription("ghost")
	s.CompleteReasoning("ghost", nil, "h9")
	s.StartSynthesis("h9")
	s.CompleteSynthesis(conv.Turn{ID: "ghost"})
	s.Wait()

	if got := s.State(); got != conv.StateIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
	if got := len(s.History()); got != 0 {
		t.Errorf("history length = %d, want 0", got)
	}
}

func TestSession_EndFromSpeaking(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	s := newTestSession(t, m)

	driveToSpeaking(t, s)

	s.End()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session loop did not exit after End")
	}
	if got := s.State(); got != conv.StateEnded {
		t.Errorf("state = %s, want ENDED", got)
	}
	if s.Snapshot().EndedAt == nil {
		t.Error("EndedAt not set")
	}
}
