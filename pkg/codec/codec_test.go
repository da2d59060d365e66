package codec

import (
	"testing"
	"time"

	"github.com/microsoft/go-tstore/pkg/types"
)

func TestKeyCodec_RoundTrip(t *testing.T) {
	kc := NewKeyCodec()
	cases := []types.Comparable{
		types.IntKey(-42),
		types.VarcharKey("hello world"),
		types.BoolKey(true),
		types.BoolKey(false),
		types.FloatKey(3.14159),
		types.DateKey(time.Unix(1700000000, 0).UTC()),
	}

	for _, want := range cases {
		data, err := kc.SerializeKey(want)
		if err != nil {
			t.Fatalf("SerializeKey(%v): %v", want, err)
		}
		got, err := kc.DeserializeKey(data)
		if err != nil {
			t.Fatalf("DeserializeKey: %v", err)
		}
		if got.Compare(want) != 0 {
			t.Errorf("round trip mismatch: got %v, want %v", got, want)
		}
	}
}

func TestKeyCodec_UnknownTag(t *testing.T) {
	kc := NewKeyCodec()
	if _, err := kc.DeserializeKey([]byte{99, 1, 2, 3}); err == nil {
		t.Errorf("expected error for unknown tag")
	}
}

func TestValueCodec_RoundTrip(t *testing.T) {
	vc := NewValueCodec()
	want := types.Value("arbitrary payload bytes")
	data, err := vc.SerializeValue(want)
	if err != nil {
		t.Fatalf("SerializeValue: %v", err)
	}
	got, err := vc.DeserializeValue(data)
	if err != nil {
		t.Fatalf("DeserializeValue: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestValueCodec_Nil(t *testing.T) {
	vc := NewValueCodec()
	data, err := vc.SerializeValue(nil)
	if err != nil {
		t.Fatalf("SerializeValue(nil): %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty encoding for nil value, got %d bytes", len(data))
	}
}
