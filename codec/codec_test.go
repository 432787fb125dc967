package codec

import (
	"bytes"
	"testing"
)

func TestDeterministicMapOrder(t *testing.T) {
	c := MustDeterministic[map[string]int]()

	want, err := c.Encode(map[string]int{"a": 1, "b": 2, "c": 3})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := 0; i < 32; i++ {
		got, err := c.Encode(map[string]int{"c": 3, "a": 1, "b": 2})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("encoding varies: %x vs %x", got, want)
		}
	}
}

func TestDeterministicRoundTrip(t *testing.T) {
	type sample struct {
		Name  string
		Count int
		Tags  []string
	}
	c := MustDeterministic[sample]()

	in := sample{Name: "x", Count: 2, Tags: []string{"a", "b"}}
	raw, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || len(out.Tags) != 2 {
		t.Fatalf("Decode = %+v", out)
	}
}

func TestMsgpackRoundTrip(t *testing.T) {
	type sample struct {
		ID    int64
		Label string
	}
	c := Msgpack[sample]{}

	raw, err := c.Encode(sample{ID: 9, Label: "nine"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.ID != 9 || out.Label != "nine" {
		t.Fatalf("Decode = %+v", out)
	}
}

func TestRawDecodeCopies(t *testing.T) {
	c := Raw{}
	src := []byte("shared")

	out, err := c.Decode(src)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	src[0] = 'X'
	if string(out) != "shared" {
		t.Fatalf("Decode aliased the input: %q", out)
	}
}
