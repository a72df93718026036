package protocol

import (
	"encoding/binary"
	"errors"
)

// DataHeaderLen is the size of the connection id prefix on binary frames.
const DataHeaderLen = 4

// ErrShortFrame is returned for binary frames too small to carry a connection id.
var ErrShortFrame = errors.New("data frame shorter than connection id header")

// EncodeData builds a binary data frame: uint32BE(id) || payload.
func EncodeData(id ConnectionID, payload []byte) []byte {
	frame := make([]byte, DataHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(id))
	copy(frame[DataHeaderLen:], payload)
	return frame
}

// DecodeData splits a binary data frame. The returned payload aliases frame.
func DecodeData(frame []byte) (ConnectionID, []byte, error) {
	if len(frame) < DataHeaderLen {
		return 0, nil, ErrShortFrame
	}
	id := ConnectionID(binary.BigEndian.Uint32(frame))
	return id, frame[DataHeaderLen:], nil
}
