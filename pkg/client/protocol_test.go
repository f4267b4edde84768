package client_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/parlancehq/parlance/pkg/client"
)

func TestEncodeText(t *testing.T) {
	t.Parallel()

	data, err := client.EncodeText(`he said "stop"`)
	if err != nil {
		t.Fatalf("EncodeText: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("encoded message is not valid JSON: %v", err)
	}
	if got["type"] != client.TypeText {
		t.Errorf("type = %q, want %q", got["type"], client.TypeText)
	}
	if got["text"] != `he said "stop"` {
		t.Errorf("text = %q, want the original string", got["text"])
	}
}

func TestEncodeControlMessages(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		data []byte
		want string
	}{
		{"stop", client.EncodeStop(), client.TypeStop},
		{"ping", client.EncodePing(), client.TypePing},
	} {
		ev, err := client.Decode(tc.data)
		if err != nil {
			t.Errorf("%s: Decode: %v", tc.name, err)
			continue
		}
		if ev.Type != tc.want {
			t.Errorf("%s: type = %q, want %q", tc.name, ev.Type, tc.want)
		}
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want client.ServerEvent
	}{
		{
			name: "final transcript with explicit source",
			data: `{"type":"transcript","text":"hello","is_final":true,"source":"assistant"}`,
			want: client.ServerEvent{Type: client.TypeTranscript, Text: "hello", IsFinal: true, Source: client.SourceAssistant},
		},
		{
			name: "transcript defaults to user source",
			data: `{"type":"transcript","text":"hi"}`,
			want: client.ServerEvent{Type: client.TypeTranscript, Text: "hi", Source: client.SourceUser},
		},
		{
			name: "text delta defaults to assistant source",
			data: `{"type":"response.text.delta","delta":"Hel"}`,
			want: client.ServerEvent{Type: client.TypeTextDelta, Delta: "Hel", Source: client.SourceAssistant},
		},
		{
			name: "error event carries message",
			data: `{"type":"error","message":"rate limited"}`,
			want: client.ServerEvent{Type: client.TypeError, Message: "rate limited"},
		},
		{
			name: "ready",
			data: `{"type":"ready"}`,
			want: client.ServerEvent{Type: client.TypeReady},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := client.Decode([]byte(tc.data))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tc.want {
				t.Errorf("Decode = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := client.Decode([]byte("not json")); err == nil {
		t.Error("Decode accepted a non-JSON frame")
	}

	_, err := client.Decode([]byte(`{"text":"no discriminator"}`))
	if !errors.Is(err, client.ErrMissingType) {
		t.Errorf("err = %v, want ErrMissingType", err)
	}
}

func TestDecode_UnknownTypeSurvives(t *testing.T) {
	t.Parallel()

	ev, err := client.Decode([]byte(`{"type":"session.budget_warning","message":"80%"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if client.Known(ev.Type) {
		t.Errorf("Known(%q) = true, want false", ev.Type)
	}
	if ev.Message != "80%" {
		t.Errorf("payload fields should still decode, got %+v", ev)
	}
}

func TestKnown(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{
		client.TypeReady, client.TypeTranscript, client.TypeSpeechStarted,
		client.TypeSpeechStopped, client.TypeResponseDone, client.TypeError,
		client.TypePong, client.TypePartAdded, client.TypeTextDelta,
		client.TypeTextDone, client.TypePartDone, client.TypeItemDone,
	} {
		if !client.Known(typ) {
			t.Errorf("Known(%q) = false, want true", typ)
		}
	}
	if client.Known("bogus") {
		t.Error(`Known("bogus") = true, want false`)
	}
}
