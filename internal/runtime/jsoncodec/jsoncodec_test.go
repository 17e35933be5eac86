package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "rpcmesh"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}
}

func TestMarshalSortsMapKeys(t *testing.T) {
	out, err := MarshalToString(map[string]any{"method": "a", "id": 1, "jsonrpc": "2.0"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if out != `{"id":1,"jsonrpc":"2.0","method":"a"}` {
		t.Fatalf("unexpected encoding %s", out)
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != payload {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}

func TestDecodeAny(t *testing.T) {
	v, err := DecodeAny(strings.NewReader(`[{"method":"svc.a"}]`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	batch, ok := v.([]any)
	if !ok || len(batch) != 1 {
		t.Fatalf("expected one batch entry, got %#v", v)
	}

	empty, err := DecodeAny(strings.NewReader("  "))
	if err != nil || empty != nil {
		t.Fatalf("expected empty body to decode to nil, got %#v / %v", empty, err)
	}

	if _, err := DecodeAny(strings.NewReader("{")); err == nil {
		t.Fatal("expected error for truncated document")
	}
}

func TestConvert(t *testing.T) {
	var out testPayload
	if err := Convert(map[string]any{"id": 3, "name": "x"}, &out); err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if out.ID != 3 || out.Name != "x" {
		t.Fatalf("unexpected conversion result %#v", out)
	}
}
