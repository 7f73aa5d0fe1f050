package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Request
		code string
	}{
		{"register", `{"type":"register_device","deviceId":"dev-1"}`, RegisterDevice{DeviceID: "dev-1"}, ""},
		{"register with token", `{"type":"register_device","deviceId":"dev-1","token":"t"}`, RegisterDevice{DeviceID: "dev-1", Token: "t"}, ""},
		{"ping", `{"type":"ping"}`, Ping{}, ""},
		{"stats", `{"type":"get_stats","extra":1}`, GetStats{}, ""},
		{"register without device", `{"type":"register_device"}`, nil, CodeMissingField},
		{"unknown type", `{"type":"subscribe"}`, nil, CodeUnknownType},
		{"no type", `{"deviceId":"x"}`, nil, CodeInvalidMessage},
		{"not an object", `[1,2]`, nil, CodeInvalidMessage},
		{"type not a string", `{"type":5}`, nil, CodeInvalidMessage},
		{"garbage", `{{`, nil, CodeInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest([]byte(tt.raw))
			if tt.code == "" {
				if err != nil {
					t.Fatalf("ParseRequest failed: %v", err)
				}
				if !reflect.DeepEqual(got, tt.want) {
					t.Errorf("got %#v, want %#v", got, tt.want)
				}
				return
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("Expected *ProtocolError, got %v", err)
			}
			if pe.Code != tt.code {
				t.Errorf("code = %q, want %q", pe.Code, tt.code)
			}
			if got != nil {
				t.Errorf("Expected nil request, got %#v", got)
			}
		})
	}
}

func TestProtocolError_Message(t *testing.T) {
	msg := (&ProtocolError{Code: CodeUnknownType, Reason: "nope"}).Message()
	if msg.Type != TypeError || msg.Code != CodeUnknownType || msg.Message != "nope" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestMsgpackCodec_PreservesFieldsAndNumbers(t *testing.T) {
	msg := DataSync("UPDATE", "notes",
		map[string]any{"id": "r1", "version": 4, "data": json.RawMessage(`{"score":1.5,"tags":["a"]}`)},
		map[string]any{"deviceId": "dev-1"})
	msg.Timestamp = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	frame, err := Msgpack.Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var decoded map[string]any
	if err := msgpack.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["type"] != "data_sync" {
		t.Errorf("type = %v, want data_sync", decoded["type"])
	}

	data := decoded["data"].(map[string]any)
	if v := fmt.Sprint(data["version"]); v != "4" {
		t.Errorf("version = %#v, want 4", data["version"])
	}
	inner := data["data"].(map[string]any)
	if inner["score"] != 1.5 {
		t.Errorf("score = %#v, want 1.5", inner["score"])
	}

	raw, err := Msgpack.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	jsonFrame, err := JSON.Encode(msg)
	if err != nil {
		t.Fatalf("JSON encode failed: %v", err)
	}
	var fromPack, fromJSON any
	_ = json.Unmarshal(raw, &fromPack)
	_ = json.Unmarshal(jsonFrame, &fromJSON)
	if !reflect.DeepEqual(fromPack, fromJSON) {
		t.Errorf("msgpack round trip differs from JSON:\n%s\n%s", raw, jsonFrame)
	}
}

func TestCodecFor(t *testing.T) {
	if name := CodecFor(SubprotocolMsgpack).Name(); name != "msgpack" {
		t.Errorf("CodecFor(msgpack) = %s", name)
	}
	if name := CodecFor(SubprotocolJSON).Name(); name != "json" {
		t.Errorf("CodecFor(json) = %s", name)
	}
	if name := CodecFor("").Name(); name != "json" {
		t.Errorf("CodecFor(\"\") = %s, want json", name)
	}

	if _, err := JSON.Decode([]byte("{nope")); err == nil {
		t.Error("Expected JSON decode error")
	}
	if _, err := Msgpack.Decode([]byte{0xc1}); err == nil {
		t.Error("Expected msgpack decode error")
	}
}
