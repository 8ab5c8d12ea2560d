package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sentryhealth/voicegateway/internal/identity"
	"github.com/sentryhealth/voicegateway/internal/voicesession/fallbackasr"
	"github.com/sentryhealth/voicegateway/internal/voicesession/protocol"
	"github.com/sentryhealth/voicegateway/pkg/logging"
)

func newTestCoordinator() *Coordinator {
	logger := logging.Build(true)
	verifier := identity.NewVerifier("", true, nil)
	return New(Config{SessionID: "sess-1", ClientIP: "127.0.0.1"}, logger, verifier)
}

// drainOne reads one event off outbound with a short timeout so a bug that
// fails to enqueue doesn't hang the test suite.
func drainOne(t *testing.T, c *Coordinator) protocol.OutboundEvent {
	t.Helper()
	select {
	case e := <-c.Outbound():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound event")
		return protocol.OutboundEvent{}
	}
}

func TestCanAcceptAudioGate(t *testing.T) {
	c := newTestCoordinator()

	if c.canAcceptAudio() {
		t.Fatal("canAcceptAudio() = true before authentication, want false")
	}

	c.authenticated = true
	if c.canAcceptAudio() {
		t.Fatal("canAcceptAudio() = true without upstream_ready, want false")
	}

	c.upstreamReady = true
	if c.canAcceptAudio() {
		t.Fatal("canAcceptAudio() = true while still in connecting state, want false")
	}

	c.fire("authenticate")
	c.fire("bringup")
	c.fire("ready")
	if !c.canAcceptAudio() {
		t.Fatal("canAcceptAudio() = false in ready state with authenticated+upstream_ready, want true")
	}
}

func TestHandleAudioRejectedBeforeUpstreamReady(t *testing.T) {
	c := newTestCoordinator()

	c.handleAudio(protocol.InboundFrame{Audio: []byte{1, 2, 3, 4}})

	if c.counters.InAudioBytes != 0 {
		t.Errorf("InAudioBytes = %d, want 0 (audio before ready must never be forwarded)", c.counters.InAudioBytes)
	}
}

func TestOnEnterStateDuplicateSuppression(t *testing.T) {
	c := newTestCoordinator()

	// connecting -> authenticating -> upstream_starting all coarsen onto
	// the same wire state; only the first entry should enqueue anything.
	c.fire("authenticate")
	c.fire("bringup")

	ev := drainOne(t, c)
	if ev.Type != protocol.TypeServerSessionState {
		t.Fatalf("event type = %q, want %q", ev.Type, protocol.TypeServerSessionState)
	}
	payload, ok := ev.Payload.(map[string]any)
	if !ok || payload["state"] != protocol.WireStateConnecting {
		t.Fatalf("payload = %+v, want state=%q", ev.Payload, protocol.WireStateConnecting)
	}

	select {
	case e := <-c.Outbound():
		t.Fatalf("unexpected second event enqueued for a coarsened-duplicate transition: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	c.fire("ready")
	ev = drainOne(t, c)
	if ev.Payload.(map[string]any)["state"] != protocol.WireStateReady {
		t.Fatalf("expected ready state event, got %+v", ev.Payload)
	}
}

func TestHandleBargeInWithoutUpstream(t *testing.T) {
	c := newTestCoordinator()
	c.fire("authenticate")
	c.fire("bringup")
	c.fire("ready")
	drainOne(t, c) // connecting
	drainOne(t, c) // ready

	c.handleBargeIn(protocol.InboundFrame{BargeIn: protocol.BargeInPayload{Timestamp: 42}})

	ev := drainOne(t, c)
	if ev.Type != protocol.TypeServerAudioBargeInAck {
		t.Fatalf("event type = %q, want %q", ev.Type, protocol.TypeServerAudioBargeInAck)
	}
	if ev.Payload.(map[string]any)["timestamp"] != int64(42) {
		t.Fatalf("timestamp = %v, want 42", ev.Payload.(map[string]any)["timestamp"])
	}
	if c.state() != stateListening {
		t.Fatalf("state = %q, want %q", c.state(), stateListening)
	}
}

func TestHandleStopIsIdempotent(t *testing.T) {
	c := newTestCoordinator()
	c.fire("authenticate")
	c.fire("bringup")
	c.fire("ready")

	if done := c.handleStop(); !done {
		t.Fatal("first handleStop() = false, want true")
	}
	if c.state() != stateClosed {
		t.Fatalf("state after stop = %q, want %q", c.state(), stateClosed)
	}

	// Second Stop on an already-stopping/closed session must be a no-op:
	// no panic, no further logging attempt through shutdown().
	if done := c.handleStop(); !done {
		t.Fatal("second handleStop() = false, want true (idempotent)")
	}
}

func TestTranscriptArbitrationMutesFallbackAfterUpstream(t *testing.T) {
	c := newTestCoordinator()
	c.fire("authenticate")
	c.fire("bringup")
	c.fire("ready")
	drainOne(t, c) // connecting
	drainOne(t, c) // ready

	c.onUpstreamUserTranscript("hello there", false)
	ev := drainOne(t, c)
	if ev.Type != protocol.TypeServerUserTranscriptFinal {
		t.Fatalf("event type = %q, want %q", ev.Type, protocol.TypeServerUserTranscriptFinal)
	}
	if c.transcriptSource != "upstream" {
		t.Fatalf("transcriptSource = %q, want upstream", c.transcriptSource)
	}

	// A fallback transcript arriving afterwards must be dropped, not
	// forwarded to the client.
	c.handleFallbackTranscript(fallbackasr.Transcript{Text: "hi", IsPartial: false})
	select {
	case e := <-c.Outbound():
		t.Fatalf("fallback transcript was forwarded after upstream became authoritative: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSafetyScanFiresOnceOnFinalTranscript(t *testing.T) {
	c := newTestCoordinator()
	c.fire("authenticate")
	c.fire("bringup")
	c.fire("ready")
	drainOne(t, c) // connecting
	drainOne(t, c) // ready

	c.onUpstreamUserTranscript("I am having difficulty breathing", true)
	ev := drainOne(t, c)
	if ev.Type != protocol.TypeServerUserTranscriptPart {
		t.Fatalf("partial transcript event type = %q, want %q", ev.Type, protocol.TypeServerUserTranscriptPart)
	}
	if c.counters.RedFlags != 0 {
		t.Fatalf("RedFlags = %d after a partial transcript, want 0 (scan runs on finals only)", c.counters.RedFlags)
	}

	// runSafetyScan runs before the final transcript is enqueued, so the
	// triage events precede the user-transcript-final event on the wire.
	c.onUpstreamUserTranscript("I am having difficulty breathing", false)
	ev = drainOne(t, c) // triage emergency
	if ev.Type != protocol.TypeServerTriageEmergency {
		t.Fatalf("event type = %q, want %q", ev.Type, protocol.TypeServerTriageEmergency)
	}
	ev = drainOne(t, c) // audio stop, since the phrase is critical
	if ev.Type != protocol.TypeServerAudioStop {
		t.Fatalf("event type = %q, want %q", ev.Type, protocol.TypeServerAudioStop)
	}
	ev = drainOne(t, c) // user transcript final
	if ev.Type != protocol.TypeServerUserTranscriptFinal {
		t.Fatalf("event type = %q, want %q", ev.Type, protocol.TypeServerUserTranscriptFinal)
	}
	if c.counters.RedFlags != 1 {
		t.Fatalf("RedFlags = %d, want exactly 1 (scan invoked once per final utterance)", c.counters.RedFlags)
	}
}

func TestHandleFallbackErrorDisablesWithoutForcingTranscriptSource(t *testing.T) {
	c := newTestCoordinator()
	c.cfg.FallbackASR.MaxRetries = 0
	c.fallback = fallbackasr.New(fallbackasr.Config{MaxRetries: 0})
	c.sttActive = true
	c.transcriptSource = "fallback"

	c.handleFallbackError(errors.New("boom"))

	if c.sttActive {
		t.Error("sttActive = true after retries exhausted, want false")
	}
	if c.transcriptSource != "fallback" {
		t.Errorf("transcriptSource = %q, want unchanged (\"fallback\")", c.transcriptSource)
	}
}

func TestOutboundChannelClosesAfterRunReturns(t *testing.T) {
	c := newTestCoordinator()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}

	// Outbound must be closed, not merely abandoned, or the Writer task
	// ranging over it would block forever.
	select {
	case _, ok := <-c.Outbound():
		if ok {
			// a final session-state event draining out is fine; keep
			// draining until the channel actually closes.
			for {
				_, ok := <-c.Outbound()
				if !ok {
					return
				}
			}
		}
	case <-time.After(time.Second):
		t.Fatal("Outbound() channel was never closed after Run() returned")
	}
}
