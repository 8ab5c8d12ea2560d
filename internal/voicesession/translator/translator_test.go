package translator

import (
	"testing"

	"github.com/sentryhealth/voicegateway/internal/voicesession/protocol"
	"github.com/sentryhealth/voicegateway/internal/voicesession/safety"
)

func TestAssistantTranscriptSuppressesPartialsByDefault(t *testing.T) {
	tr := New(false)
	if events := tr.AssistantTranscript("hello", true); events != nil {
		t.Errorf("expected nil for suppressed partial, got %v", events)
	}
	events := tr.AssistantTranscript("hello", false)
	if len(events) != 1 || events[0].Type != protocol.TypeServerTranscriptFinal {
		t.Errorf("final event = %v", events)
	}
}

func TestAssistantTranscriptEmitsPartialsWhenEnabled(t *testing.T) {
	tr := New(true)
	events := tr.AssistantTranscript("hel", true)
	if len(events) != 1 || events[0].Type != protocol.TypeServerTranscriptPartial {
		t.Errorf("partial event = %v", events)
	}
}

func TestTriageEmergencyCriticalIncludesAudioStop(t *testing.T) {
	tr := New(false)
	events := tr.TriageEmergency(safety.Verdict{Severity: safety.SeverityCritical, Banner: "x", Interrupt: true})
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Type != protocol.TypeServerTriageEmergency {
		t.Errorf("events[0].Type = %s", events[0].Type)
	}
	if events[1].Type != protocol.TypeServerAudioStop {
		t.Errorf("events[1].Type = %s", events[1].Type)
	}
}

func TestTriageEmergencyHighHasNoAudioStop(t *testing.T) {
	tr := New(false)
	events := tr.TriageEmergency(safety.Verdict{Severity: safety.SeverityHigh, Banner: "x"})
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
}
