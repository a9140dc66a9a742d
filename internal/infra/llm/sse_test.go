package llm

import (
	"io"
	"strings"
	"testing"
)

func TestSSEDecoder_YieldsDataPayloads(t *testing.T) {
	t.Parallel()

	input := ": comment line\n" +
		"event: message\n" +
		"data: first\n\n" +
		"data: second\n\n"
	dec := newSSEDecoder(strings.NewReader(input))

	for _, want := range []string{"first", "second"} {
		got, err := dec.nextData()
		if err != nil {
			t.Fatalf("nextData: %v", err)
		}
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
	if _, err := dec.nextData(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestSSEDecoder_JoinsMultiLineData(t *testing.T) {
	t.Parallel()

	dec := newSSEDecoder(strings.NewReader("data: line one\ndata: line two\n\n"))
	got, err := dec.nextData()
	if err != nil {
		t.Fatalf("nextData: %v", err)
	}
	if got != "line one\nline two" {
		t.Errorf("unexpected payload %q", got)
	}
}

func TestSSEDecoder_FlushesPendingDataAtEOF(t *testing.T) {
	t.Parallel()

	dec := newSSEDecoder(strings.NewReader("data: tail"))
	got, err := dec.nextData()
	if err != nil {
		t.Fatalf("nextData: %v", err)
	}
	if got != "tail" {
		t.Errorf("expected tail, got %q", got)
	}
	if _, err := dec.nextData(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestSSEDecoder_HandlesCRLF(t *testing.T) {
	t.Parallel()

	dec := newSSEDecoder(strings.NewReader("data: payload\r\n\r\n"))
	got, err := dec.nextData()
	if err != nil {
		t.Fatalf("nextData: %v", err)
	}
	if got != "payload" {
		t.Errorf("expected payload, got %q", got)
	}
}
