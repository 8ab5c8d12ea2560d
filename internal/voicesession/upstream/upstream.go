// Package upstream owns the bidirectional channel to the generative-audio
// model (Gemini Live's BidiGenerateContent). It authenticates, negotiates
// setup, ships audio/text turns, and emits typed events for the Upstream-RX
// task to hand to the Session Coordinator.
//
// The wire shapes here (setup, realtime_input.media_chunks, serverContent
// parsing with its several setupComplete spellings) are grounded on the
// hand-rolled JSON-over-gorilla/websocket BidiGenerateContent clients found
// in the reference pack; no example wires the newer google.golang.org/genai
// Live session type to this endpoint, so this gateway does the same thing
// those clients do rather than guess at an unexercised SDK surface.
package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/auth/credentials"
	"github.com/gorilla/websocket"
)

// Error kinds per the gateway's error handling design.
var (
	ErrAuth    = errors.New("upstream auth error")
	ErrSetup   = errors.New("upstream setup error")
	ErrClosed  = errors.New("upstream channel closed")
	ErrNotSetup = errors.New("upstream send before setup")
)

const bidiGenerateContentURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent?key=%s"

// Config configures one Upstream Session.
type Config struct {
	APIKey         string
	Model          string
	Voice          string
	Temperature    float64
	ResponseModalities []string // e.g. {"AUDIO"} or {"AUDIO","TEXT"}
	SystemInstruction  string
	EnableInputTranscription  bool
	EnableOutputTranscription bool
	FunctionDeclarations      []map[string]any
	ConnectTimeout time.Duration
	SetupTimeout   time.Duration
	KeepaliveEvery time.Duration
	KeepaliveIdle  time.Duration
}

// EventKind discriminates the events an Upstream Session emits.
type EventKind int

const (
	EventSetup EventKind = iota
	EventAssistantTranscript
	EventUserTranscript
	EventAudio
	EventBargeIn
	EventDraftUpdate
	EventNarrativeUpdate
	EventFunctionCall
	EventError
	EventClosed
)

// Event is the typed occurrence handed to the Coordinator's inbox by the
// Upstream-RX task.
type Event struct {
	Kind      EventKind
	Text      string
	IsPartial bool
	Audio     []byte
	Args      map[string]any
	FnName    string
	FnCallID  string
	Err       error
	Code      int
	Reason    string
}

// Session owns the model channel handle, per the gateway's data model:
// an outbound send-sequence counter, last_activity_at, and a keepalive
// ticker.
type Session struct {
	cfg  Config
	conn *websocket.Conn

	mu                     sync.Mutex
	sendSeq                uint64
	lastActivityAt         time.Time
	audioForwardingEnabled bool
	setupDone              bool

	keepaliveStop chan struct{}
	keepaliveDone chan struct{}
}

// NewSession constructs an unstarted Upstream Session.
func NewSession(cfg Config) *Session {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.SetupTimeout == 0 {
		cfg.SetupTimeout = 30 * time.Second
	}
	if cfg.KeepaliveEvery == 0 {
		cfg.KeepaliveEvery = 30 * time.Second
	}
	if cfg.KeepaliveIdle == 0 {
		cfg.KeepaliveIdle = 25 * time.Second
	}
	return &Session{cfg: cfg, audioForwardingEnabled: true}
}

// Initialize acquires a bearer credential via the host's default
// credential chain. An explicit API key in Config takes precedence — it is
// how the BidiGenerateContent URL is authenticated — but the default
// credential chain is still resolved so the caller fails fast with
// ErrAuth when neither an API key nor ambient credentials are available.
func (s *Session) Initialize(ctx context.Context) error {
	if s.cfg.APIKey != "" {
		return nil
	}
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	tok, err := creds.Token(ctx)
	if err != nil || tok == nil || tok.Value == "" {
		return fmt.Errorf("%w: no usable credential", ErrAuth)
	}
	return nil
}

// Start opens the channel, sends the one-shot Setup frame, and blocks
// until either SetupComplete is observed (nil) or the connect/setup
// timeout elapses / the channel closes / a server error arrives
// (ErrSetup). events receives every subsequent occurrence for the
// lifetime of the session; the caller must drain it from a dedicated
// Upstream-RX task.
func (s *Session) Start(ctx context.Context, events chan<- Event) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	url := fmt.Sprintf(bidiGenerateContentURL, s.cfg.APIKey)
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial failed: %v", ErrSetup, err)
	}
	s.conn = conn
	s.touch()

	setupSignal := make(chan error, 1)
	go s.readLoop(events, setupSignal)

	if err := s.sendSetup(); err != nil {
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}

	select {
	case err := <-setupSignal:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSetup, err)
		}
		s.mu.Lock()
		s.setupDone = true
		s.mu.Unlock()
		s.startKeepalive()
		return nil
	case <-time.After(s.cfg.SetupTimeout):
		return fmt.Errorf("%w: setup timed out after %s", ErrSetup, s.cfg.SetupTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSetup, ctx.Err())
	}
}

func (s *Session) sendSetup() error {
	voiceConfig := map[string]any{}
	if s.cfg.Voice != "" {
		voiceConfig["prebuilt_voice_config"] = map[string]string{"voice_name": s.cfg.Voice}
	}

	generationConfig := map[string]any{
		"response_modalities": s.cfg.ResponseModalities,
		"temperature":         s.cfg.Temperature,
	}
	if len(voiceConfig) > 0 {
		generationConfig["speech_config"] = map[string]any{"voice_config": voiceConfig}
	}
	if s.cfg.EnableOutputTranscription {
		generationConfig["output_audio_transcription"] = map[string]any{}
	}

	setup := map[string]any{
		"model":              fmt.Sprintf("models/%s", s.cfg.Model),
		"generation_config":  generationConfig,
	}
	if s.cfg.SystemInstruction != "" {
		setup["system_instruction"] = map[string]any{
			"parts": []map[string]string{{"text": s.cfg.SystemInstruction}},
		}
	}
	if len(s.cfg.FunctionDeclarations) > 0 {
		setup["tools"] = []map[string]any{{"function_declarations": s.cfg.FunctionDeclarations}}
	}

	msg := map[string]any{"setup": setup}
	return s.writeJSON(msg)
}

// SendAudio base64-wraps pcm16k bytes into an inlineData user turn with
// turnComplete=false. Must not be called before Start returns nil.
func (s *Session) SendAudio(pcm16k []byte) error {
	if !s.isSetup() {
		return ErrNotSetup
	}
	msg := map[string]any{
		"realtime_input": map[string]any{
			"media_chunks": []map[string]string{{
				"mime_type": "audio/pcm",
				"data":      base64.StdEncoding.EncodeToString(pcm16k),
			}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return err
	}
	s.touch()
	return nil
}

// SendTextTurn sends a user-role text turn with turnComplete=true.
func (s *Session) SendTextTurn(text string) error {
	if !s.isSetup() {
		return ErrNotSetup
	}
	msg := map[string]any{
		"client_content": map[string]any{
			"turns":         []map[string]any{{"role": "user", "parts": []map[string]string{{"text": text}}}},
			"turn_complete": true,
		},
	}
	return s.writeJSON(msg)
}

// SendTurnComplete sends a minimal empty user turn with turnComplete=true,
// optionally re-enabling audio forwarding.
func (s *Session) SendTurnComplete(reenableForwarding bool) error {
	if reenableForwarding {
		s.mu.Lock()
		s.audioForwardingEnabled = true
		s.mu.Unlock()
	}
	msg := map[string]any{
		"client_content": map[string]any{
			"turns":         []map[string]any{},
			"turn_complete": true,
		},
	}
	return s.writeJSON(msg)
}

// CancelOutput disables audio forwarding first, then attempts to tell the
// model to stop; forwarding stays disabled even if the send fails.
func (s *Session) CancelOutput() error {
	s.mu.Lock()
	s.audioForwardingEnabled = false
	s.mu.Unlock()
	return s.SendTurnComplete(false)
}

// SendFunctionResponse acknowledges a tool call as a user turn with
// turnComplete=false.
func (s *Session) SendFunctionResponse(name string, response map[string]any, callID string) error {
	if !s.isSetup() {
		return ErrNotSetup
	}
	fnResponse := map[string]any{"name": name, "response": response}
	if callID != "" {
		fnResponse["id"] = callID
	}
	msg := map[string]any{
		"tool_response": map[string]any{
			"function_responses": []map[string]any{fnResponse},
		},
	}
	return s.writeJSON(msg)
}

// Close stops the keepalive ticker and closes the channel.
func (s *Session) Close() error {
	s.stopKeepalive()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Session) isSetup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupDone
}

func (s *Session) audioForwardingAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioForwardingEnabled
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) writeJSON(v any) error {
	if s.conn == nil {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendSeq++
	return s.conn.WriteJSON(v)
}

func (s *Session) startKeepalive() {
	s.keepaliveStop = make(chan struct{})
	s.keepaliveDone = make(chan struct{})
	ticker := time.NewTicker(s.cfg.KeepaliveEvery)
	go func() {
		defer close(s.keepaliveDone)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				idle := time.Since(s.lastActivityAt)
				s.mu.Unlock()
				if idle > s.cfg.KeepaliveIdle {
					_ = s.writeJSON(map[string]any{"client_content": map[string]any{"turns": []map[string]any{}, "turn_complete": false}})
				}
			case <-s.keepaliveStop:
				return
			}
		}
	}()
}

func (s *Session) stopKeepalive() {
	if s.keepaliveStop == nil {
		return
	}
	select {
	case <-s.keepaliveStop:
	default:
		close(s.keepaliveStop)
	}
}
