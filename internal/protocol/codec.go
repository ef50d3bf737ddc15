package protocol

import (
	"encoding/json"
	"fmt"
)

// EncodeFrame marshals a relay frame to a single JSON object.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses a relay frame. Unknown or malformed frames return an
// error; both ends drop them silently.
func DecodeFrame(data []byte) (Frame, error) {
	var probe struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	var f Frame
	switch probe.Type {
	case FrameInit:
		f = &Init{}
	case FramePeerJoin:
		f = &PeerJoin{}
	case FramePeerLeave:
		f = &PeerLeave{}
	case FramePeerRename:
		f = &PeerRename{}
	case FrameSignal:
		f = &Signal{}
	case FrameRename:
		f = &Rename{}
	default:
		return nil, fmt.Errorf("unknown frame type %q", probe.Type)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", probe.Type, err)
	}
	return f, nil
}

// EncodeControl marshals a data-channel control frame.
func EncodeControl(c Control) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeControl parses a data-channel control frame.
func DecodeControl(data []byte) (Control, error) {
	var probe struct {
		Kind ControlKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid control frame: %w", err)
	}

	var c Control
	switch probe.Kind {
	case KindFileOffer:
		c = &FileOffer{}
	case KindFileAccept:
		c = &FileAccept{}
	case KindFileDecline:
		c = &FileDecline{}
	case KindFileMeta:
		c = &FileMeta{}
	case KindFileComplete:
		c = &FileComplete{}
	case KindFileCancel:
		c = &FileCancel{}
	case KindTextMessage:
		c = &TextMessage{}
	case KindPing:
		c = &Ping{}
	default:
		return nil, fmt.Errorf("unknown control kind %q", probe.Kind)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", probe.Kind, err)
	}
	return c, nil
}
