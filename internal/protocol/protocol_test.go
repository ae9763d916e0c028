package protocol_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/voceria/voceria/internal/protocol"
)

func TestParseClientMessage_KnownTypes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want protocol.ClientMessageType
	}{
		{`{"type":"audio_ready"}`, protocol.ClientAudioReady},
		{`{"type":"cancel"}`, protocol.ClientCancel},
		{`{"type":"reset"}`, protocol.ClientReset},
		{`{"type":"ping"}`, protocol.ClientPing},
	}

	for _, tc := range cases {
		msg, err := protocol.ParseClientMessage([]byte(tc.raw))
		if err != nil {
			t.Fatalf("ParseClientMessage(%s): %v", tc.raw, err)
		}
		if msg.Type != tc.want {
			t.Errorf("ParseClientMessage(%s).Type = %q, want %q", tc.raw, msg.Type, tc.want)
		}
		if !msg.Type.IsValid() {
			t.Errorf("type %q should be valid", msg.Type)
		}
	}
}

func TestParseClientMessage_UnknownTypeParses(t *testing.T) {
	t.Parallel()

	msg, err := protocol.ParseClientMessage([]byte(`{"type":"configure","agent":"x"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type.IsValid() {
		t.Errorf("type %q should not be valid", msg.Type)
	}
}

func TestParseClientMessage_Malformed(t *testing.T) {
	t.Parallel()

	if _, err := protocol.ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestNewReady_SampleRates(t *testing.T) {
	t.Parallel()

	r := protocol.NewReady()
	if r.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", r.SampleRate)
	}
	if r.TTSSampleRate != 24000 {
		t.Errorf("TTSSampleRate = %d, want 24000", r.TTSSampleRate)
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"ready","sampleRate":16000,"ttsSampleRate":24000}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestNewChat_NilStepsSerializeAsEmptyArray(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(protocol.NewChat("hello", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"chat","text":"hello","steps":[]}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestTranscript_FalseFinalIsExplicit(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(protocol.NewTranscript("hi", false))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"transcript","text":"hi","final":false}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

// Server frames must survive a parse → re-serialize round trip unchanged.
func TestServerMessages_RoundTrip(t *testing.T) {
	t.Parallel()

	frames := []any{
		protocol.NewReady(),
		protocol.NewGreeting("Hey there."),
		protocol.NewTranscript("partial words", false),
		protocol.NewTranscript("Full sentence.", true),
		protocol.NewTurn("What's the weather?"),
		protocol.NewThinking(),
		protocol.NewChat("It's sunny.", []string{"Using get_weather", "Using final_answer"}),
		protocol.NewTTSDone(),
		protocol.NewCancelled(),
		protocol.NewResetAck(),
		protocol.NewPong(),
		protocol.NewError("Chat failed"),
		protocol.NewError("Chat failed", "status 500"),
	}

	for _, frame := range frames {
		first, err := json.Marshal(frame)
		if err != nil {
			t.Fatalf("marshal %T: %v", frame, err)
		}

		decoded := reflect.New(reflect.TypeOf(frame)).Interface()
		if err := json.Unmarshal(first, decoded); err != nil {
			t.Fatalf("unmarshal %T: %v", frame, err)
		}

		second, err := json.Marshal(decoded)
		if err != nil {
			t.Fatalf("re-marshal %T: %v", frame, err)
		}
		if string(first) != string(second) {
			t.Errorf("%T round trip: %s != %s", frame, first, second)
		}
	}
}

func TestServerMessages_TypeField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		frame any
		want  string
	}{
		{protocol.NewReady(), protocol.TypeReady},
		{protocol.NewGreeting("g"), protocol.TypeGreeting},
		{protocol.NewTranscript("t", true), protocol.TypeTranscript},
		{protocol.NewTurn("t"), protocol.TypeTurn},
		{protocol.NewThinking(), protocol.TypeThinking},
		{protocol.NewChat("c", nil), protocol.TypeChat},
		{protocol.NewTTSDone(), protocol.TypeTTSDone},
		{protocol.NewCancelled(), protocol.TypeCancelled},
		{protocol.NewResetAck(), protocol.TypeReset},
		{protocol.NewPong(), protocol.TypePong},
		{protocol.NewError("e"), protocol.TypeError},
	}

	for _, tc := range cases {
		data, err := json.Marshal(tc.frame)
		if err != nil {
			t.Fatalf("marshal %T: %v", tc.frame, err)
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Fatalf("unmarshal %T: %v", tc.frame, err)
		}
		if envelope.Type != tc.want {
			t.Errorf("%T type = %q, want %q", tc.frame, envelope.Type, tc.want)
		}
	}
}
