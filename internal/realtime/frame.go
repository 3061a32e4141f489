package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"marginalia/internal/textdoc"
)

type FrameType string

const (
	FrameSyncRequest FrameType = "sync_request"
	FrameUpdate      FrameType = "update"
	FrameSyncDone    FrameType = "sync_done"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one websocket text message between a replica and the relay.
type Frame struct {
	Type        FrameType           `json:"type"`
	StateVector textdoc.StateVector `json:"stateVector,omitempty"`
	Update      *textdoc.Update     `json:"update,omitempty"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameSyncRequest, FrameSyncDone:
	case FrameUpdate:
		if f.Update == nil {
			return Frame{}, fmt.Errorf("%w: update frame without update", ErrMalformedFrame)
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return f, nil
}
