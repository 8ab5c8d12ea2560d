package protocol

import (
	"encoding/base64"
	"testing"
)

func TestParseTextHello(t *testing.T) {
	raw := []byte(`{"type":"client.hello","payload":{"firebase_id_token":"mock_token_for_testing","session_config":{}}}`)
	frame, err := ParseText(raw)
	if err != nil {
		t.Fatalf("ParseText() error = %v", err)
	}
	if frame.Kind != FrameHello {
		t.Fatalf("Kind = %v, want FrameHello", frame.Kind)
	}
	if frame.Token != "mock_token_for_testing" {
		t.Errorf("Token = %q", frame.Token)
	}
}

func TestParseTextAudioChunkBase64(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	raw := []byte(`{"type":"client.audio.chunk","payload":{"data":"` + encoded + `"}}`)
	frame, err := ParseText(raw)
	if err != nil {
		t.Fatalf("ParseText() error = %v", err)
	}
	if frame.Kind != FrameAudioBase64 {
		t.Fatalf("Kind = %v, want FrameAudioBase64", frame.Kind)
	}
	if len(frame.Audio) != 4 {
		t.Errorf("Audio len = %d, want 4", len(frame.Audio))
	}
}

func TestParseTextLegacyStop(t *testing.T) {
	frame, err := ParseText([]byte(`{"type":"client.stop"}`))
	if err != nil {
		t.Fatalf("ParseText() error = %v", err)
	}
	if frame.Kind != FrameStop {
		t.Errorf("Kind = %v, want FrameStop", frame.Kind)
	}
}

func TestParseTextUnknownType(t *testing.T) {
	frame, err := ParseText([]byte(`{"type":"client.mystery"}`))
	if err != nil {
		t.Fatalf("ParseText() error = %v", err)
	}
	if frame.Kind != FrameUnknown {
		t.Errorf("Kind = %v, want FrameUnknown", frame.Kind)
	}
}

func TestParseBinaryWrapsRawAudio(t *testing.T) {
	frame := ParseBinary([]byte{0xAA, 0xBB})
	if frame.Kind != FrameAudioBinary {
		t.Errorf("Kind = %v, want FrameAudioBinary", frame.Kind)
	}
	if len(frame.Audio) != 2 {
		t.Errorf("Audio len = %d, want 2", len(frame.Audio))
	}
}
