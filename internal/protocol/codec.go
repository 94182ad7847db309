package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// DefaultMaxMessageSize bounds a single encoded message.
const DefaultMaxMessageSize = 1 << 20

var (
	// ErrMessageTooLarge is returned by Decode for oversized input.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrInvalidBody is returned when a message does not carry exactly one
	// body variant.
	ErrInvalidBody = errors.New("message body must carry exactly one variant")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: identical messages produce identical
	// bytes, which keeps test fixtures stable.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	// Unknown fields are ignored so newer peers can add body variants.
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a Message for transmission.
func Encode(msg *Message) ([]byte, error) {
	if msg.Body.variants() != 1 {
		return nil, ErrInvalidBody
	}
	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.ServiceID, err)
	}
	return data, nil
}

// Decode deserializes a Message. maxSize <= 0 applies DefaultMaxMessageSize.
func Decode(data []byte, maxSize int) (*Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, len(data), maxSize)
	}

	var msg Message
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.Body.variants() != 1 {
		return nil, ErrInvalidBody
	}
	return &msg, nil
}
