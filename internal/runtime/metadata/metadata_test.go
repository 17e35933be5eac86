package metadata

import (
	"net/http"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
}

func TestWithAndWithAll(t *testing.T) {
	base := Metadata{HeaderType: TypeAsync}
	enriched := base.With(HeaderOption, OptionIfPresent)
	if _, ok := base[HeaderOption]; ok {
		t.Fatal("expected base map to remain unchanged")
	}

	merged := enriched.WithAll(Metadata{"x-trace": "1"})
	if merged[HeaderType] != TypeAsync || merged[HeaderOption] != OptionIfPresent || merged["x-trace"] != "1" {
		t.Fatalf("unexpected merged metadata %#v", merged)
	}
}

func TestGetIsCaseInsensitive(t *testing.T) {
	md := Metadata{"Type": "async"}
	if md.Get("type") != "async" {
		t.Fatalf("expected case-insensitive lookup")
	}
	if md.Get("missing") != "" {
		t.Fatalf("expected empty value for missing key")
	}
}

func TestFromHTTPAndApply(t *testing.T) {
	h := http.Header{}
	h.Add("Type", "async")
	h.Add("Accept", "a")
	h.Add("Accept", "b")

	md := FromHTTP(h)
	if md["type"] != "async" || md["accept"] != "a, b" {
		t.Fatalf("unexpected conversion %#v", md)
	}

	out := http.Header{}
	New(HeaderOption, OptionIfPresent).Apply(out)
	if out.Get("Option") != OptionIfPresent {
		t.Fatalf("expected Option header, got %#v", out)
	}
}

func TestToPayloadAndKeys(t *testing.T) {
	md := New("b", "2", "a", "1")
	payload := md.ToPayload()
	if payload["a"] != "1" || payload["b"] != "2" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	keys := md.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected sorted keys, got %v", keys)
	}
}

func TestWatermillConversions(t *testing.T) {
	wm := ToWatermill(Metadata{KeyEventName: "user.created"})
	if wm.Get(KeyEventName) != "user.created" {
		t.Fatalf("unexpected watermill metadata %#v", wm)
	}
	back := FromWatermill(message.Metadata{KeySender: "users"})
	if back[KeySender] != "users" {
		t.Fatalf("unexpected metadata %#v", back)
	}
	if len(FromWatermill(nil)) != 0 {
		t.Fatal("expected empty map for nil input")
	}
}
