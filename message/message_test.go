package message

import (
	"encoding/json"
	"testing"
)

type AddArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestRequestHasNoTypeTag(t *testing.T) {
	req, err := NewRequest("id-1", "add", &AddArgs{A: 1, B: 2})
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	want := `{"id":"id-1","name":"add","args":{"a":1,"b":2}}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
	if req.Kind() != KindRequest {
		t.Fatalf("expect request kind, got %s", req.Kind())
	}
}

func TestNilArgsBecomeEmptyObject(t *testing.T) {
	req, err := NewRequest("id-1", "ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(req.Args) != "{}" {
		t.Fatalf("expect {}, got %s", req.Args)
	}
}

func TestReplyKeepsNullResult(t *testing.T) {
	reply, err := NewReply("id-2", nil)
	if err != nil {
		t.Fatal(err)
	}

	data, _ := json.Marshal(reply)
	want := `{"type":"reply","id":"id-2","result":null}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}

func TestErrorReplyText(t *testing.T) {
	env := NewErrorReply("id-3", "boom")
	if env.Kind() != KindError {
		t.Fatalf("expect error kind, got %s", env.Kind())
	}
	if env.ErrorText() != "boom" {
		t.Fatalf("expect boom, got %q", env.ErrorText())
	}

	// A non-string result is surfaced verbatim.
	env.Result = json.RawMessage(`{"code":1}`)
	if env.ErrorText() != `{"code":1}` {
		t.Fatalf("unexpected text %q", env.ErrorText())
	}
}

func TestPushCarriesNoID(t *testing.T) {
	push, err := NewPush("tick", map[string]int{"t": 1})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(push)
	want := `{"type":"push","name":"tick","args":{"t":1}}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}

func TestUnknownTag(t *testing.T) {
	env := &Envelope{Type: "bogus"}
	if env.Kind() != KindUnknown {
		t.Fatalf("expect unknown kind, got %s", env.Kind())
	}
}
