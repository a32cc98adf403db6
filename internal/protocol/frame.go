package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type tags on the push socket. Data is the only tag the client
// consumes; frames with other tags are skipped.
const MsgData = 13

// DataFrame is a pushed value, encoded on the wire as the tagged array
// [13, messageId, itemName, parameters, data].
type DataFrame struct {
	MessageID int64
	ItemName  string
	Params    json.RawMessage
	Data      json.RawMessage
}

// MarshalJSON implements json.Marshaler
func (f *DataFrame) MarshalJSON() ([]byte, error) {
	params := f.Params
	if len(params) == 0 {
		params = json.RawMessage("[]")
	}
	return json.Marshal([]interface{}{MsgData, f.MessageID, f.ItemName, params, f.Data})
}

// UnmarshalJSON implements json.Unmarshaler
func (f *DataFrame) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("failed to parse frame: %w", err)
	}
	if len(parts) < 5 {
		return fmt.Errorf("data frame has %d elements, want 5", len(parts))
	}
	var tag int
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return fmt.Errorf("invalid frame tag: %w", err)
	}
	if tag != MsgData {
		return fmt.Errorf("unexpected frame tag %d", tag)
	}
	if err := json.Unmarshal(parts[1], &f.MessageID); err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	if err := json.Unmarshal(parts[2], &f.ItemName); err != nil {
		return fmt.Errorf("invalid item name: %w", err)
	}
	f.Params = parts[3]
	f.Data = parts[4]
	return nil
}

// ParseFrame decodes one inbound push message. Returns (nil, nil) for
// well-formed frames with a tag the client does not consume.
func ParseFrame(data []byte) (*DataFrame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	var tag int
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return nil, fmt.Errorf("invalid frame tag: %w", err)
	}
	if tag != MsgData {
		return nil, nil
	}
	var frame DataFrame
	if err := frame.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &frame, nil
}

// Bytes returns the frame as JSON bytes
func (f *DataFrame) Bytes() ([]byte, error) {
	return json.Marshal(f)
}
