// Protocol codec for the voice backend.
//
// The protocol multiplexes two payload kinds over one WebSocket:
//
//   - Binary frames carry raw audio: 16-bit little-endian signed PCM, mono,
//     one frame per socket message, no envelope. Both directions use the
//     same framing; the sample rate is negotiated out of band.
//   - Text frames carry UTF-8 JSON control messages with a required "type"
//     discriminator field.

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Source identifies which side of the conversation produced a transcript.
type Source string

const (
	SourceUser      Source = "user"
	SourceAssistant Source = "assistant"
)

// ── Message types ──────────────────────────────────────────────────────────────

// Client → server message types.
const (
	TypeText = "text"
	TypeStop = "stop"
	TypePing = "ping"
)

// Server → client event types.
const (
	TypeReady         = "ready"
	TypeTranscript    = "transcript"
	TypeSpeechStarted = "speech_started"
	TypeSpeechStopped = "speech_stopped"
	TypeResponseDone  = "response_done"
	TypeError         = "error"
	TypePong          = "pong"

	// Fine-grained response streaming events. They all normalize into
	// transcript segment updates; see the transcript package.
	TypePartAdded = "response.content_part.added"
	TypeTextDelta = "response.text.delta"
	TypeTextDone  = "response.text.done"
	TypePartDone  = "response.content_part.done"
	TypeItemDone  = "response.output_item.done"
)

// ErrMissingType is returned by [Decode] for JSON envelopes without the
// required "type" field.
var ErrMissingType = errors.New("client: event missing type field")

// knownTypes is the set of server event types this client understands.
var knownTypes = map[string]struct{}{
	TypeReady:         {},
	TypeTranscript:    {},
	TypeSpeechStarted: {},
	TypeSpeechStopped: {},
	TypeResponseDone:  {},
	TypeError:         {},
	TypePong:          {},
	TypePartAdded:     {},
	TypeTextDelta:     {},
	TypeTextDone:      {},
	TypePartDone:      {},
	TypeItemDone:      {},
}

// Known reports whether eventType is a server event type this client
// understands. Unknown types must be ignored (logged at debug) so that the
// backend can add event kinds without breaking older clients.
func Known(eventType string) bool {
	_, ok := knownTypes[eventType]
	return ok
}

// ── Outbound messages ──────────────────────────────────────────────────────────

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EncodeText encodes an out-of-band user text message.
func EncodeText(text string) ([]byte, error) {
	data, err := json.Marshal(textMessage{Type: TypeText, Text: text})
	if err != nil {
		return nil, fmt.Errorf("client: marshal text message: %w", err)
	}
	return data, nil
}

// EncodeStop encodes the stop message that asks the backend to cancel the
// in-flight response.
func EncodeStop() []byte {
	return []byte(`{"type":"stop"}`)
}

// EncodePing encodes the protocol-level heartbeat ping.
func EncodePing() []byte {
	return []byte(`{"type":"ping"}`)
}

// ── Inbound events ─────────────────────────────────────────────────────────────

// ServerEvent is a decoded server → client control event. Only Type is
// always present; the remaining fields are populated per event family:
//
//	transcript               Text, IsFinal, Source
//	response.text.delta      Delta, Source
//	response.text.done       Text (optional full text), Source
//	response.content_part.*  Text (optional), Source
//	error                    Message
type ServerEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Delta   string `json:"delta,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
	Source  Source `json:"source,omitempty"`
	Message string `json:"message,omitempty"`
}

// Decode parses a text frame into a [ServerEvent]. Frames that are not valid
// JSON or lack the "type" discriminator are rejected. Events of unknown type
// decode successfully (callers check [Known] and drop them) so that newer
// backends remain compatible.
//
// When the envelope omits "source", transcript events default to the user
// (they echo recognized caller speech) and response.* events default to the
// assistant.
func Decode(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("client: decode event: %w", err)
	}
	if ev.Type == "" {
		return ServerEvent{}, ErrMissingType
	}
	if ev.Source == "" {
		switch {
		case ev.Type == TypeTranscript:
			ev.Source = SourceUser
		case strings.HasPrefix(ev.Type, "response."):
			ev.Source = SourceAssistant
		}
	}
	return ev, nil
}
