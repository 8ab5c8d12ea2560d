// Package translator maps internal session events onto the outbound wire
// protocol. It never mints sequence numbers itself — per the gateway's
// concurrency model only the Writer task, the sole consumer of the
// outbound queue, is allowed to do that — it only decides which
// protocol.OutboundEvent(s) a given internal occurrence produces.
package translator

import (
	"encoding/base64"

	"github.com/sentryhealth/voicegateway/internal/voicesession/protocol"
	"github.com/sentryhealth/voicegateway/internal/voicesession/safety"
)

// Translator holds policy configuration that affects translation decisions.
type Translator struct {
	EmitAssistantPartials bool
}

// New builds a Translator with the given partial-emission policy.
func New(emitAssistantPartials bool) *Translator {
	return &Translator{EmitAssistantPartials: emitAssistantPartials}
}

// AssistantTranscript translates an assistant transcript occurrence. By
// default only finals are emitted; when EmitAssistantPartials is on,
// partials are emitted too, each one its own event.
func (t *Translator) AssistantTranscript(text string, isPartial bool) []protocol.OutboundEvent {
	if isPartial {
		if !t.EmitAssistantPartials {
			return nil
		}
		return []protocol.OutboundEvent{{
			Type:    protocol.TypeServerTranscriptPartial,
			Payload: map[string]any{"text": text},
		}}
	}
	return []protocol.OutboundEvent{{
		Type:    protocol.TypeServerTranscriptFinal,
		Payload: map[string]any{"text": text},
	}}
}

// UserTranscript translates a user transcript occurrence (upstream or
// fallback arbitration has already happened by the time this is called).
func (t *Translator) UserTranscript(text string, isPartial bool) protocol.OutboundEvent {
	if isPartial {
		return protocol.OutboundEvent{Type: protocol.TypeServerUserTranscriptPart, Payload: map[string]any{"text": text}}
	}
	return protocol.OutboundEvent{Type: protocol.TypeServerUserTranscriptFinal, Payload: map[string]any{"text": text}}
}

// AudioOut base64-encodes a 24kHz PCM16 chunk from the model into a
// server.audio.out event.
func (t *Translator) AudioOut(pcm []byte) protocol.OutboundEvent {
	return protocol.OutboundEvent{
		Type:    protocol.TypeServerAudioOut,
		Payload: map[string]any{"data": base64.StdEncoding.EncodeToString(pcm)},
	}
}

// AudioStop translates a forced audio-stop (e.g. emergency interrupt).
func (t *Translator) AudioStop(reason string) protocol.OutboundEvent {
	return protocol.OutboundEvent{Type: protocol.TypeServerAudioStop, Payload: map[string]any{"reason": reason}}
}

// BargeInAck translates a barge-in acknowledgement.
func (t *Translator) BargeInAck(timestamp int64) protocol.OutboundEvent {
	return protocol.OutboundEvent{Type: protocol.TypeServerAudioBargeInAck, Payload: map[string]any{"timestamp": timestamp}}
}

// SessionState translates a state transition. Duplicate suppression against
// the previously emitted state is the Coordinator's responsibility, since
// only the Coordinator owns session state.
func (t *Translator) SessionState(state string) protocol.OutboundEvent {
	return protocol.OutboundEvent{Type: protocol.TypeServerSessionState, Payload: map[string]any{"state": state}}
}

// TriageEmergency translates a safety scanner verdict into the banner
// event, and — for critical verdicts — also returns an audio-stop event.
func (t *Translator) TriageEmergency(v safety.Verdict) []protocol.OutboundEvent {
	events := []protocol.OutboundEvent{{
		Type:    protocol.TypeServerTriageEmergency,
		Payload: map[string]any{"severity": string(v.Severity), "banner": v.Banner},
	}}
	if v.Severity == safety.SeverityCritical {
		events = append(events, t.AudioStop("emergency_interrupt"))
	}
	return events
}

// KPI translates a latency marker.
func (t *Translator) KPI(kind string, atMs int64) protocol.OutboundEvent {
	return protocol.OutboundEvent{Type: protocol.TypeServerKPI, Payload: map[string]any{"type": kind, "atMs": atMs}}
}

// Error translates an error surfaced to the client. Never includes user
// content — callers must pass a sanitized message.
func (t *Translator) Error(message string) protocol.OutboundEvent {
	return protocol.OutboundEvent{Type: protocol.TypeServerError, Payload: map[string]any{"message": message}}
}
