// Package coordinator implements the Session Coordinator: the
// single-consumer state machine that owns a connection's lifecycle, audio
// gate, transcript-source arbitration, barge-in handling, and shutdown.
// It is the only component permitted to mutate Session state — every
// other task (Reader, Upstream-RX, Fallback ASR) only ever delivers typed
// events into it.
//
// The state machine itself is grounded on the looplab/fsm dependency the
// teacher project carries but never wires up (internal/domains/sys_manager/
// runtime), generalized here to the connecting/authenticating/
// upstream_starting/ready/listening/speaking/stopping/closed/errored
// lifecycle. The concurrency shape — one owning goroutine selecting over
// typed channels, independent producer tasks never touching shared state
// directly — is grounded on the reference pack's per-call stream manager
// (telephony CallSession) and voice session (ClientSession) patterns.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/sentryhealth/voicegateway/internal/identity"
	"github.com/sentryhealth/voicegateway/internal/voicesession/fallbackasr"
	"github.com/sentryhealth/voicegateway/internal/voicesession/protocol"
	"github.com/sentryhealth/voicegateway/internal/voicesession/safety"
	"github.com/sentryhealth/voicegateway/internal/voicesession/translator"
	"github.com/sentryhealth/voicegateway/internal/voicesession/upstream"
	"github.com/sentryhealth/voicegateway/pkg/logging"
)

const (
	stateConnecting       = "connecting"
	stateAuthenticating   = "authenticating"
	stateUpstreamStarting = "upstream_starting"
	stateReady            = "ready"
	stateListening        = "listening"
	stateSpeaking         = "speaking"
	stateStopping         = "stopping"
	stateClosed           = "closed"
	stateErrored          = "errored"
)

// Counters mirrors the Session data model's counters.
type Counters struct {
	InAudioBytes   int64
	OutAudioChunks int64
	VertexPartials int64
	VertexFinals   int64
	STTPartials    int64
	STTFinals      int64
	RedFlags       int64
}

// Config configures one Coordinator / Session.
type Config struct {
	SessionID             string
	ClientIP              string
	Upstream              upstream.Config
	FallbackASR           fallbackasr.Config
	FallbackEnabled       bool
	DisableFallbackOnUpstream bool
	EmitAssistantPartials bool
}

// Coordinator is one Session's state owner.
type Coordinator struct {
	cfg        Config
	logger     *logging.Logger
	verifier   *identity.Verifier
	translator *translator.Translator

	inbox            chan protocol.InboundFrame
	outbound         chan protocol.OutboundEvent
	bringupResult    chan error
	fallbackTranscript chan fallbackasr.Transcript
	fallbackError    chan error
	clientClosed     chan struct{}
	doneCh           chan struct{}
	closeOnce        sync.Once

	machine *fsm.FSM

	userID                 string
	authenticated          bool
	upstreamReady          bool
	sttEnabled             bool
	sttActive              bool
	firstAudioInTurn       bool
	lastEmittedWireState   string
	transcriptSource       string // "", "upstream", "fallback"
	counters               Counters
	turnStartedAt          time.Time
	createdAt              time.Time

	up       *upstream.Session
	upEvents chan upstream.Event
	fallback *fallbackasr.Recognizer
}

// New builds an unstarted Coordinator for one client connection.
func New(cfg Config, logger *logging.Logger, verifier *identity.Verifier) *Coordinator {
	c := &Coordinator{
		cfg:                cfg,
		logger:             logger,
		verifier:           verifier,
		translator:         translator.New(cfg.EmitAssistantPartials),
		inbox:              make(chan protocol.InboundFrame, 64),
		outbound:           make(chan protocol.OutboundEvent, 64),
		bringupResult:      make(chan error, 1),
		fallbackTranscript: make(chan fallbackasr.Transcript, 16),
		fallbackError:      make(chan error, 4),
		clientClosed:       make(chan struct{}),
		doneCh:             make(chan struct{}),
		upEvents:           make(chan upstream.Event, 32),
		sttEnabled:         cfg.FallbackEnabled,
		createdAt:          time.Now(),
		transcriptSource:   "",
	}
	c.machine = c.buildMachine()
	return c
}

func (c *Coordinator) buildMachine() *fsm.FSM {
	return fsm.NewFSM(
		stateConnecting,
		fsm.Events{
			{Name: "authenticate", Src: []string{stateConnecting}, Dst: stateAuthenticating},
			{Name: "bringup", Src: []string{stateAuthenticating}, Dst: stateUpstreamStarting},
			{Name: "ready", Src: []string{stateUpstreamStarting}, Dst: stateReady},
			{Name: "listen", Src: []string{stateReady, stateSpeaking, stateListening}, Dst: stateListening},
			{Name: "speak", Src: []string{stateListening, stateSpeaking}, Dst: stateSpeaking},
			{Name: "stop", Src: []string{stateConnecting, stateAuthenticating, stateUpstreamStarting, stateReady, stateListening, stateSpeaking}, Dst: stateStopping},
			{Name: "closed", Src: []string{stateStopping}, Dst: stateClosed},
			{Name: "fail", Src: []string{stateConnecting, stateAuthenticating, stateUpstreamStarting, stateReady, stateListening, stateSpeaking, stateStopping}, Dst: stateErrored},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.onEnterState(e.Dst)
			},
		},
	)
}

// wireStateFor maps the richer internal FSM states onto the coarser set
// of states the client protocol exposes.
func wireStateFor(internal string) string {
	switch internal {
	case stateConnecting, stateAuthenticating, stateUpstreamStarting:
		return protocol.WireStateConnecting
	case stateReady:
		return protocol.WireStateReady
	case stateListening:
		return protocol.WireStateListening
	case stateSpeaking:
		return protocol.WireStateSpeaking
	case stateStopping, stateClosed:
		return protocol.WireStateStopped
	default:
		return ""
	}
}

func (c *Coordinator) onEnterState(internal string) {
	wire := wireStateFor(internal)
	if wire == "" || wire == c.lastEmittedWireState {
		return
	}
	c.lastEmittedWireState = wire
	c.enqueue(c.translator.SessionState(wire))
}

func (c *Coordinator) fire(event string) {
	if err := c.machine.Event(context.Background(), event); err != nil {
		if _, ok := err.(fsm.NoTransitionError); !ok && !isInvalidEvent(err) {
			c.logger.SessionWarn("coordinator.fsm_event_error", c.cfg.SessionID, map[string]any{"event": event, "error": err.Error()})
		}
	}
}

func isInvalidEvent(err error) bool {
	_, ok := err.(fsm.InvalidEventError)
	return ok
}

func (c *Coordinator) state() string { return c.machine.Current() }

func (c *Coordinator) enqueue(e protocol.OutboundEvent) {
	select {
	case c.outbound <- e:
	case <-c.doneCh:
	}
}

func (c *Coordinator) canAcceptAudio() bool {
	s := c.state()
	return c.authenticated && c.upstreamReady && (s == stateReady || s == stateListening || s == stateSpeaking)
}

// Submit delivers one client-originated frame into the Coordinator's
// inbox. It is called by the Reader task.
func (c *Coordinator) Submit(frame protocol.InboundFrame) {
	select {
	case c.inbox <- frame:
	case <-c.doneCh:
	}
}

// SubmitClosed notifies the Coordinator that the client socket closed.
func (c *Coordinator) SubmitClosed() {
	select {
	case c.clientClosed <- struct{}{}:
	case <-c.doneCh:
	}
}

// Outbound is the channel the Writer task drains.
func (c *Coordinator) Outbound() <-chan protocol.OutboundEvent { return c.outbound }

// Done closes once the Coordinator has decided the session is over.
func (c *Coordinator) Done() <-chan struct{} { return c.doneCh }

// finish is deferred by Run and so only ever runs after the Coordinator's
// select loop has returned — at that point enqueue is never called again,
// so it is safe for this, the owning goroutine, to close outbound here.
func (c *Coordinator) finish() {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		close(c.outbound)
	})
}

// Run is the Coordinator task: the single goroutine that owns all Session
// state, consuming from every producer and mutating state only here.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.finish()
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			c.shutdown("context_canceled")
			return

		case frame := <-c.inbox:
			if c.handleInboundFrame(frame) {
				return
			}

		case ev := <-c.upEvents:
			if c.handleUpstreamEvent(ev) {
				return
			}

		case result := <-c.bringupResult:
			c.handleBringupResult(result)

		case t := <-c.fallbackTranscript:
			c.handleFallbackTranscript(t)

		case err := <-c.fallbackError:
			c.handleFallbackError(err)

		case <-c.clientClosed:
			c.shutdown("client_closed")
			return
		}
	}
}

func (c *Coordinator) teardown() {
	if c.up != nil {
		_ = c.up.Close()
	}
	if c.fallback != nil {
		c.fallback.Stop()
	}
}

func (c *Coordinator) shutdown(reason string) {
	c.logger.Session("coordinator.shutdown", c.cfg.SessionID, c.userID, map[string]any{"reason": reason})
	c.upstreamReady = false
	c.fire("stop")
	c.fire("closed")
}

func (c *Coordinator) handleInboundFrame(frame protocol.InboundFrame) (done bool) {
	switch frame.Kind {
	case protocol.FrameHello:
		c.handleHello(frame)
	case protocol.FrameAudioBinary, protocol.FrameAudioBase64:
		c.handleAudio(frame)
	case protocol.FrameTurnComplete:
		c.handleTurnComplete()
	case protocol.FrameBargeIn:
		c.handleBargeIn(frame)
	case protocol.FrameStop:
		return c.handleStop()
	case protocol.FrameUnknown:
		c.logger.SessionWarn("gateway.unknown_frame_type", c.cfg.SessionID, map[string]any{"raw_type": frame.RawType})
	}
	return false
}

func (c *Coordinator) handleHello(frame protocol.InboundFrame) {
	id, err := c.verifier.Verify(frame.Token)
	if err != nil {
		c.enqueue(c.translator.Error("authentication failed"))
		c.logger.SessionWarn("gateway.invalid_credential", c.cfg.SessionID, nil)
		c.shutdown("invalid_credential")
		return
	}

	c.userID = id.UserID
	c.authenticated = true
	c.fire("authenticate")
	c.fire("bringup")

	c.up = upstream.NewSession(c.cfg.Upstream)
	if c.sttEnabled {
		c.fallback = fallbackasr.New(c.cfg.FallbackASR)
	}

	go c.bringUpUpstream()
}

func (c *Coordinator) bringUpUpstream() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Upstream.ConnectTimeout+c.cfg.Upstream.SetupTimeout)
	defer cancel()

	if err := c.up.Initialize(ctx); err != nil {
		c.bringupResult <- err
		return
	}
	err := c.up.Start(ctx, c.upEvents)
	c.bringupResult <- err
}

func (c *Coordinator) handleBringupResult(err error) {
	if err != nil {
		c.logger.Session("gateway.upstream_setup_failed", c.cfg.SessionID, c.userID, map[string]any{"error": err.Error()})
		c.enqueue(c.translator.Error("failed to start voice session"))
		c.shutdown("upstream_setup_error")
		return
	}
	// Safety-net: setup may already have arrived via upEvents before this
	// result is observed. onUpstreamSetup is idempotent against that race.
	c.onUpstreamSetup()

	if c.fallback != nil {
		go c.runFallback()
	}
}

func (c *Coordinator) onUpstreamSetup() {
	if c.upstreamReady {
		return
	}
	c.upstreamReady = true
	c.fire("ready")
	c.fire("listen")
}

func (c *Coordinator) runFallback() {
	c.sttActive = true
	_ = c.fallback.Start(context.Background(),
		func(t fallbackasr.Transcript) {
			select {
			case c.fallbackTranscript <- t:
			case <-c.doneCh:
			}
		},
		func(err error) {
			select {
			case c.fallbackError <- err:
			case <-c.doneCh:
			}
		},
	)
}

func (c *Coordinator) handleAudio(frame protocol.InboundFrame) {
	if !c.canAcceptAudio() {
		c.logger.SessionWarn("gateway.binary_audio_rejected", c.cfg.SessionID, map[string]any{"reason": "vertex_not_ready"})
		return
	}

	if err := c.up.SendAudio(frame.Audio); err != nil {
		c.logger.Session("gateway.audio_forward_failed", c.cfg.SessionID, c.userID, map[string]any{"error": err.Error()})
		c.enqueue(c.translator.Error("audio forwarding failed"))
		return
	}
	c.counters.InAudioBytes += int64(len(frame.Audio))

	if c.fallback != nil && c.sttActive && c.transcriptSource != "upstream" {
		_ = c.fallback.Write(frame.Audio)
	}

	c.fire("listen")
}

func (c *Coordinator) handleTurnComplete() {
	c.enqueue(c.translator.KPI(protocol.KPITurnCompleteReceived, nowMs()))
	if c.up != nil {
		if err := c.up.SendTurnComplete(true); err != nil {
			c.enqueue(c.translator.Error("failed to complete turn"))
		}
	}
	c.firstAudioInTurn = true
}

func (c *Coordinator) handleBargeIn(frame protocol.InboundFrame) {
	if c.up != nil {
		_ = c.up.CancelOutput()
	}
	c.enqueue(c.translator.BargeInAck(frame.BargeIn.Timestamp))
	c.fire("listen")
}

func (c *Coordinator) handleStop() bool {
	if c.state() == stateStopping || c.state() == stateClosed {
		return true // idempotent: second Stop on a stopping/closed session is a no-op
	}
	c.logger.Session("gateway.session_stop", c.cfg.SessionID, c.userID, map[string]any{
		"in_audio_bytes":   c.counters.InAudioBytes,
		"out_audio_chunks": c.counters.OutAudioChunks,
		"stt_retry_count":  c.sttRetryCount(),
		"transcript_source": c.transcriptSource,
	})
	c.shutdown("client_stop")
	return true
}

func (c *Coordinator) sttRetryCount() int {
	if c.fallback == nil {
		return 0
	}
	return c.fallback.RetryCount()
}

func (c *Coordinator) handleUpstreamEvent(ev upstream.Event) (done bool) {
	switch ev.Kind {
	case upstream.EventSetup:
		c.onUpstreamSetup()

	case upstream.EventAssistantTranscript:
		for _, out := range c.translator.AssistantTranscript(ev.Text, ev.IsPartial) {
			c.enqueue(out)
		}

	case upstream.EventAudio:
		if c.firstAudioInTurn {
			c.enqueue(c.translator.KPI(protocol.KPIFirstModelAudio, nowMs()))
			c.firstAudioInTurn = false
		}
		c.enqueue(c.translator.AudioOut(ev.Audio))
		c.counters.OutAudioChunks++
		c.fire("speak")

	case upstream.EventUserTranscript:
		c.onUpstreamUserTranscript(ev.Text, ev.IsPartial)

	case upstream.EventBargeIn:
		c.fire("listen")

	case upstream.EventFunctionCall:
		if c.up != nil {
			_ = c.up.SendFunctionResponse(ev.FnName, map[string]any{"status": "ok"}, ev.FnCallID)
		}

	case upstream.EventError:
		c.logger.Session("gateway.upstream_error", c.cfg.SessionID, c.userID, map[string]any{"error": ev.Err.Error()})
		c.enqueue(c.translator.Error("upstream error"))

	case upstream.EventClosed:
		c.logger.Session("gateway.upstream_closed", c.cfg.SessionID, c.userID, map[string]any{"code": ev.Code})
		c.shutdown("upstream_closed")
		return true
	}
	return false
}

func (c *Coordinator) onUpstreamUserTranscript(text string, isPartial bool) {
	if c.transcriptSource == "fallback" {
		c.muteFallback()
	}
	c.transcriptSource = "upstream"

	if isPartial {
		c.counters.VertexPartials++
	} else {
		c.counters.VertexFinals++
		c.runSafetyScan(text)
	}
	c.enqueue(c.translator.UserTranscript(text, isPartial))
}

func (c *Coordinator) muteFallback() {
	c.sttActive = false
	if c.fallback != nil && c.cfg.DisableFallbackOnUpstream {
		c.fallback.Stop()
	}
}

func (c *Coordinator) handleFallbackTranscript(t fallbackasr.Transcript) {
	if c.transcriptSource == "upstream" {
		return // fallback is muted once upstream has produced a transcript
	}
	c.transcriptSource = "fallback"

	if t.IsPartial {
		c.counters.STTPartials++
	} else {
		c.counters.STTFinals++
		c.runSafetyScan(t.Text)
	}
	c.enqueue(c.translator.UserTranscript(t.Text, t.IsPartial))
}

func (c *Coordinator) handleFallbackError(err error) {
	c.logger.Session("gateway.fallback_asr_error", c.cfg.SessionID, c.userID, map[string]any{"error": err.Error()})
	if c.fallback != nil && c.fallback.RetryCount() >= c.cfg.FallbackASR.MaxRetries {
		c.sttActive = false // retries exhausted: stop feeding it audio, leave transcriptSource as-is
	}
}

func (c *Coordinator) runSafetyScan(text string) {
	verdict, ok := safety.Scan(text)
	if !ok {
		return
	}
	c.counters.RedFlags++
	for _, out := range c.translator.TriageEmergency(verdict) {
		c.enqueue(out)
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
