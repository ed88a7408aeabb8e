// Package transport carries a session's duplex stream over a single
// WebSocket: JSON text frames for control messages in both directions,
// binary frames for audio. Client audio arrives as raw PCM; server audio
// leaves as a JSON header line followed by the PCM payload.
//
// A disconnect does not end the session. The session keeps running headless
// and a reconnect within the grace window rebinds it; only when the grace
// window lapses is the session deleted.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voluble-ai/voluble/internal/conv"
)

// cannedSDP is the static session description returned to WebRTC offers.
// Media negotiation is out of scope; audio flows over the WebSocket itself,
// so every offer gets the same recvonly answer.
const cannedSDP = "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=voluble\r\nt=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=recvonly\r\n"

// DefaultReconnectGrace is how long a session survives without a client
// before it is deleted.
const DefaultReconnectGrace = 5 * time.Second

// writeTimeout bounds each individual WebSocket write.
const writeTimeout = 5 * time.Second

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithReconnectGrace overrides the disconnect grace window.
func WithReconnectGrace(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithLogger overrides the logger. Default: [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server upgrades HTTP requests to per-session WebSocket streams.
type Server struct {
	manager *conv.Manager
	log     *slog.Logger
	grace   time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewServer creates a Server bound to the session registry.
func NewServer(manager *conv.Manager, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		log:     slog.Default(),
		grace:   DefaultReconnectGrace,
		pending: make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts the WebSocket route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{session_id}", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	log := s.log.With("session_id", id)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn("websocket accept failed", "error", err)
		return
	}

	sess, ok := s.manager.Get(id)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "unknown session")
		return
	}

	// A reconnect inside the grace window keeps the session alive.
	s.cancelPendingDelete(id)

	client := newClient(conn, log)
	sess.SetNotifier(client)
	defer func() {
		sess.ClearNotifier(client)
		client.stop()
		s.scheduleDelete(sess)
	}()

	client.send(ControlMessage{
		Type:      TypeReady,
		SessionID: sess.ID(),
		State:     string(sess.State()),
	})
	log.Info("client connected")

	s.readLoop(r.Context(), conn, sess, client, log)
	log.Info("client disconnected")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *conv.Session, client *client, log *slog.Logger) {
	for {
		select {
		case <-sess.Done():
			conn.Close(websocket.StatusNormalClosure, "session ended")
			return
		default:
		}

		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			sess.PushFrame(data)
		case websocket.MessageText:
			s.handleControl(sess, client, data, log)
		}
	}
}

func (s *Server) handleControl(sess *conv.Session, client *client, data []byte, log *slog.Logger) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn("unparseable control message", "error", err)
		client.send(ControlMessage{Type: TypeError, Message: "malformed control message"})
		return
	}

	switch msg.Type {
	case TypeInterrupt:
		sess.Interrupt()
	case TypeOffer:
		client.send(ControlMessage{Type: TypeAnswer, SDP: cannedSDP})
	case TypeICECandidate:
		// Accepted and ignored; audio rides the WebSocket.
		log.Debug("ice candidate discarded")
	case TypeStartRecording, TypeStopRecording:
		// Advisory only. Utterance boundaries come from the detector.
		log.Debug("recording hint", "type", msg.Type)
	case TypeEnd:
		s.manager.Delete(sess.ID())
	default:
		log.Warn("unknown control message", "type", msg.Type)
		client.send(ControlMessage{Type: TypeError, Message: "unknown message type " + msg.Type})
	}
}

// scheduleDelete arms the grace timer that deletes the session unless a new
// client binds first.
func (s *Server) scheduleDelete(sess *conv.Session) {
	select {
	case <-sess.Done():
		return
	default:
	}

	id := sess.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[id]; ok {
		t.Stop()
	}
	s.pending[id] = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		if s.manager.Delete(id) {
			s.log.Info("session deleted after reconnect grace", "session_id", id)
		}
	})
}

func (s *Server) cancelPendingDelete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[id]; ok {
		t.Stop()
		delete(s.pending, id)
	}
}

// ─── Client writer ───────────────────────────────────────────────────────────

// Compile-time assertion that client implements conv.Notifier.
var _ conv.Notifier = (*client)(nil)

type outMessage struct {
	typ  websocket.MessageType
	data []byte
}

// client serialises all writes to one connection behind a queue so that
// session callbacks never block. A full queue drops the message.
type client struct {
	conn *websocket.Conn
	log  *slog.Logger

	queue    chan outMessage
	stopOnce sync.Once
	stopped  chan struct{}
}

func newClient(conn *websocket.Conn, log *slog.Logger) *client {
	c := &client{
		conn:    conn,
		log:     log,
		queue:   make(chan outMessage, 64),
		stopped: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.stopped:
			return
		case msg := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, msg.typ, msg.data)
			cancel()
			if err != nil {
				c.log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

func (c *client) enqueue(msg outMessage) {
	select {
	case <-c.stopped:
	case c.queue <- msg:
	default:
		c.log.Warn("outbound queue full, dropping message")
	}
}

func (c *client) send(msg ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal control message", "error", err)
		return
	}
	c.enqueue(outMessage{typ: websocket.MessageText, data: data})
}

// StateChanged implements [conv.Notifier].
func (c *client) StateChanged(tr conv.Transition) {
	c.send(ControlMessage{
		Type:      TypeStateChange,
		State:     string(tr.To),
		From:      string(tr.From),
		Event:     tr.Event,
		Timestamp: tr.At.UnixMilli(),
	})
}

// Thinking implements [conv.Notifier].
func (c *client) Thinking() {
	c.send(ControlMessage{Type: TypeThinking, Timestamp: time.Now().UnixMilli()})
}

// StopPlayback implements [conv.Notifier].
func (c *client) StopPlayback() {
	c.send(ControlMessage{Type: TypeStopTTS, Timestamp: time.Now().UnixMilli()})
}

// SendAudio implements [conv.Notifier].
func (c *client) SendAudio(pcm []byte, final bool) {
	frame, err := EncodeAudioFrame(AudioHeader{
		IsFinal:   final,
		Timestamp: time.Now().UnixMilli(),
	}, pcm)
	if err != nil {
		c.log.Error("encode audio frame", "error", err)
		return
	}
	c.enqueue(outMessage{typ: websocket.MessageBinary, data: frame})
}
