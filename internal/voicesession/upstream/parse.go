package upstream

import (
	"encoding/base64"

	"github.com/gorilla/websocket"
)

// readLoop is the Upstream-RX task: it owns all reads from the model
// channel and is the only goroutine permitted to mutate the setup-wait
// signal. setupSignal receives exactly once: nil on the first observed
// setup-complete, or a non-nil error if the channel closes or a server
// error arrives before setup completes.
func (s *Session) readLoop(events chan<- Event, setupSignal chan<- error) {
	signaled := false
	signal := func(err error) {
		if !signaled {
			signaled = true
			setupSignal <- err
		}
	}

	for {
		var raw map[string]any
		if err := s.conn.ReadJSON(&raw); err != nil {
			signal(err)
			code := websocket.CloseNormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			events <- Event{Kind: EventClosed, Code: code, Reason: err.Error()}
			return
		}
		s.touch()

		if isSetupComplete(raw) {
			signal(nil)
			events <- Event{Kind: EventSetup}
			continue
		}

		if errPayload, ok := raw["error"]; ok {
			msg := stringify(errPayload)
			signal(errFromMessage(msg))
			events <- Event{Kind: EventError, Err: errFromMessage(msg)}
			continue
		}

		serverContent, ok := raw["serverContent"].(map[string]any)
		if !ok {
			continue
		}

		if interrupted, _ := serverContent["interrupted"].(bool); interrupted {
			s.mu.Lock()
			s.audioForwardingEnabled = false
			s.mu.Unlock()
			events <- Event{Kind: EventBargeIn}
		}

		if text, isPartial, ok := userTranscript(serverContent); ok {
			events <- Event{Kind: EventUserTranscript, Text: text, IsPartial: isPartial}
		}

		if modelTurn, ok := serverContent["modelTurn"].(map[string]any); ok {
			complete, _ := modelTurn["complete"].(bool)
			parts, _ := modelTurn["parts"].([]any)
			for _, p := range parts {
				part, ok := p.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := part["text"].(string); ok {
					events <- Event{Kind: EventAssistantTranscript, Text: text, IsPartial: !complete}
				}
				if inline, ok := part["inlineData"].(map[string]any); ok {
					if data, ok := inline["data"].(string); ok {
						if s.audioForwardingAllowed() {
							if audio, err := base64.StdEncoding.DecodeString(data); err == nil {
								events <- Event{Kind: EventAudio, Audio: audio}
							}
						}
					}
				}
				if fnCall, ok := part["functionCall"].(map[string]any); ok {
					name, _ := fnCall["name"].(string)
					callID, _ := fnCall["id"].(string)
					args, _ := fnCall["args"].(map[string]any)
					events <- Event{Kind: EventFunctionCall, FnName: name, FnCallID: callID, Args: args}
				}
			}
		}

		if text, isPartial, ok := outputAudioTranscription(serverContent); ok {
			events <- Event{Kind: EventAssistantTranscript, Text: text, IsPartial: isPartial}
		}
	}
}

// isSetupComplete accepts any of several equivalent field spellings, per
// the gateway's acceptance of multiple BidiGenerateContent wire variants.
func isSetupComplete(raw map[string]any) bool {
	for _, key := range []string{"setupComplete", "setup_complete", "bidiGenerateContentSetupComplete"} {
		if v, ok := raw[key]; ok {
			if b, ok := v.(bool); ok && b {
				return true
			}
			if v != nil {
				return true
			}
		}
	}
	return false
}

func userTranscript(serverContent map[string]any) (string, bool, bool) {
	for _, key := range []string{"inputTranscription", "userTranscript", "userTranscription"} {
		if v, ok := serverContent[key].(map[string]any); ok {
			if text, ok := v["text"].(string); ok {
				partial, _ := v["finished"].(bool)
				return text, !partial, true
			}
		}
	}
	if userContent, ok := serverContent["userContent"].(map[string]any); ok {
		if parts, ok := userContent["parts"].([]any); ok {
			for _, p := range parts {
				if part, ok := p.(map[string]any); ok {
					if text, ok := part["text"].(string); ok {
						return text, false, true
					}
				}
			}
		}
	}
	return "", false, false
}

func outputAudioTranscription(serverContent map[string]any) (string, bool, bool) {
	for _, key := range []string{"outputAudioTranscription", "outputTranscription", "modelTranscription"} {
		if v, ok := serverContent[key].(map[string]any); ok {
			if text, ok := v["text"].(string); ok {
				finished, _ := v["finished"].(bool)
				return text, !finished, true
			}
		}
	}
	return "", false, false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if m, ok := v.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok {
			return msg
		}
	}
	return "upstream error"
}

func errFromMessage(msg string) error {
	return &upstreamServerError{msg: msg}
}

type upstreamServerError struct{ msg string }

func (e *upstreamServerError) Error() string { return e.msg }
