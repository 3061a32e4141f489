package realtime

import (
	"errors"
	"testing"

	"marginalia/internal/textdoc"
)

func TestDecodeFrame(t *testing.T) {
	doc := textdoc.New("alice")
	u := doc.Insert(0, "hi")
	data, err := EncodeFrame(Frame{Type: FrameUpdate, Update: &u})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != FrameUpdate || len(frame.Update.Ops) != 2 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"hello"}`,
		`{"type":"update"}`,
	} {
		if _, err := DecodeFrame([]byte(raw)); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", raw, err)
		}
	}
}
