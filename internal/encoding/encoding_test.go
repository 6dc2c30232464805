package encoding

import (
	"math"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{1.5, -2.25, 0, 3.125}
	data, err := EncodeVector(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeVector(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(v) {
		t.Fatalf("length mismatch: want %d got %d", len(v), len(got))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("index %d: want %v got %v", i, v[i], got[i])
		}
	}
}

func TestMetadataRoundTripPreservesOrder(t *testing.T) {
	m := NewMetadata()
	m.Set("z", StringValue("last-inserted-first-key"))
	m.Set("a", IntValue(42))
	m.Set("nested", ObjectValue(func() *Metadata {
		inner := NewMetadata()
		inner.Set("flag", BoolValue(true))
		return inner
	}()))

	data, err := EncodeMetadata(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeMetadata(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	wantKeys := []string{"z", "a", "nested"}
	gotKeys := got.Keys()
	if len(gotKeys) != len(wantKeys) {
		t.Fatalf("key count: want %v got %v", wantKeys, gotKeys)
	}
	for i, k := range wantKeys {
		if gotKeys[i] != k {
			t.Fatalf("key order at %d: want %q got %q", i, k, gotKeys[i])
		}
	}

	nested, ok := got.Get("nested")
	if !ok || nested.Kind != KindObject {
		t.Fatalf("expected nested object")
	}
	flag, ok := nested.Object.Get("flag")
	if !ok || flag.Kind != KindBool || !flag.Bool {
		t.Fatalf("expected nested flag=true")
	}
}

func TestValidateVectorRejectsNonFinite(t *testing.T) {
	if err := ValidateVector([]float32{1, 2}); err != nil {
		t.Fatalf("unexpected error on valid vector: %v", err)
	}
	if err := ValidateVector(nil); err == nil {
		t.Fatal("expected error on empty vector")
	}
	if err := ValidateVector([]float32{1, float32(math.NaN())}); err == nil {
		t.Fatal("expected error on NaN component")
	}
	if err := ValidateVector([]float32{float32(math.Inf(1)), 2}); err == nil {
		t.Fatal("expected error on infinite component")
	}
}

func TestPackUnpackBits(t *testing.T) {
	bits := []bool{true, false, true, true, false, false, false, true, true}
	packed := PackBits(bits)
	got := UnpackBits(packed, len(bits))
	for i := range bits {
		if got[i] != bits[i] {
			t.Fatalf("bit %d: want %v got %v", i, bits[i], got[i])
		}
	}
}
