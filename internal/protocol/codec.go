package protocol

import (
	"encoding/binary"
	"errors"
)

const (
	// headerLen is the fixed length of a frame header: 1 byte command,
	// 2 bytes message id, 2 bytes body length.
	headerLen = 5

	// MaxBodyLen is the maximum permitted body length of a single frame.
	MaxBodyLen = 32 * 1024
)

var (
	ErrUnknownCommand = errors.New("unknown command byte")
	ErrReservedID     = errors.New("message id 0 is reserved")
	ErrOversizedBody  = errors.New("body length exceeds maximum")
)

// Encode encodes a message into its framed wire representation.
func Encode(m Message) []byte {
	buf := make([]byte, headerLen+len(m.Body))
	buf[0] = byte(m.Command)
	binary.BigEndian.PutUint16(buf[1:3], m.ID)
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(m.Body)))
	copy(buf[headerLen:], m.Body)
	return buf
}

// Decoder is an incremental frame decoder. Bytes are appended with Feed as
// they arrive from the transport, in chunks of any size, and complete
// messages are popped with Next. A partial frame is retained across calls.
// A decoding error is fatal for the stream; the owning connection must be
// closed.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next pops the next complete message from the decode buffer. It returns
// false when no complete frame is buffered yet, and an error when the frame
// at the head of the buffer is malformed.
func (d *Decoder) Next() (Message, bool, error) {
	if len(d.buf) < headerLen {
		return Message{}, false, nil
	}

	if !Command(d.buf[0]).Valid() {
		return Message{}, false, ErrUnknownCommand
	}

	id := binary.BigEndian.Uint16(d.buf[1:3])
	if id == 0 {
		return Message{}, false, ErrReservedID
	}

	rem := int(binary.BigEndian.Uint16(d.buf[3:5]))
	if rem > MaxBodyLen {
		return Message{}, false, ErrOversizedBody
	}

	if len(d.buf) < headerLen+rem {
		return Message{}, false, nil
	}

	m := Message{
		Command: Command(d.buf[0]),
		ID:      id,
	}

	// Decode the body using a fresh copy of the bytes, otherwise the next
	// frame would change the data of this one.
	if rem > 0 {
		m.Body = append([]byte{}, d.buf[headerLen:headerLen+rem]...)
	}

	d.buf = d.buf[headerLen+rem:]

	return m, true, nil
}

// Buffered returns the number of undecoded bytes held by the decoder.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
