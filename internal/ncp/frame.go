// Package ncp implements the framed request/ack link to the Zigbee radio
// co-processor over a serial UART.
package ncp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
)

// Direction of a framed link message.
type Direction uint8

const (
	DirCommand Direction = iota + 1
	DirCommandAck
	DirNotify
	DirNotifyAck
)

func (d Direction) String() string {
	switch d {
	case DirCommand:
		return "command"
	case DirCommandAck:
		return "command-ack"
	case DirNotify:
		return "notification"
	case DirNotifyAck:
		return "notification-ack"
	default:
		return fmt.Sprintf("dir(%d)", uint8(d))
	}
}

// Status of a framed link message.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusError
)

// MsgType enumerates the link message types.
type MsgType uint8

const (
	TypeEcho MsgType = iota
	TypeCtlRestart
	TypeCtlFactory
	TypeDevUnlock
	TypeDevLock
	TypeDevClear
	TypeDevNew
	TypeDevLeave
	TypeDevCount
	TypeDataRead
	TypeDataWrite
	TypeDataReport
	typeMax
)

var typeNames = [...]string{
	"ECHO", "CTL_RESTART", "CTL_FACTORY",
	"ZB_DEV_UNLOCK", "ZB_DEV_LOCK", "ZB_DEV_CLEAR",
	"ZB_DEV_NEW", "ZB_DEV_LEAVE", "DEV_COUNT",
	"ZB_DATA_READ", "ZB_DATA_WRITE", "ZB_DATA_REPORT",
}

func (t MsgType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Message is one framed link message. The length prefix is authoritative;
// there are no framing delimiters beyond the trailing zero byte.
type Message struct {
	Dir     Direction
	Status  Status
	Type    MsgType
	Payload []byte
}

const (
	headerSize = 7 // dir(1) + status(1) + type(1) + length(4 LE)
	// maxPayload bounds the length field; the largest legitimate payload is
	// a packed attribute record.
	maxPayload = 512
)

// ErrFrame marks a malformed frame; the reader resynchronizes on it.
var ErrFrame = errors.New("malformed frame")

// Encode serializes m as fixed little-endian fields followed by the payload
// and a single zero byte.
func Encode(m *Message) []byte {
	buf := make([]byte, headerSize+len(m.Payload)+1)
	buf[0] = uint8(m.Dir)
	buf[1] = uint8(m.Status)
	buf[2] = uint8(m.Type)
	binary.LittleEndian.PutUint32(buf[3:7], uint32(len(m.Payload)))
	copy(buf[headerSize:], m.Payload)
	return buf
}

// ReadMessage reads and decodes one frame from r. Decode failures (short
// frame, length past buffer end, unknown direction or type id) are returned
// wrapped in ErrFrame and are fatal for that frame only.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	var hdr [headerSize]byte
	if _, err := readFull(r, hdr[:]); err != nil {
		return nil, err
	}

	dir := Direction(hdr[0])
	if dir < DirCommand || dir > DirNotifyAck {
		return nil, fmt.Errorf("%w: unknown direction %d", ErrFrame, hdr[0])
	}
	typ := MsgType(hdr[2])
	if typ >= typeMax {
		return nil, fmt.Errorf("%w: unknown type id %d", ErrFrame, hdr[2])
	}
	status := Status(hdr[1])
	if status != StatusSuccess && status != StatusError {
		return nil, fmt.Errorf("%w: unknown status %d", ErrFrame, hdr[1])
	}

	length := binary.LittleEndian.Uint32(hdr[3:7])
	if length > maxPayload {
		return nil, fmt.Errorf("%w: length %d past buffer end", ErrFrame, length)
	}

	payload := make([]byte, length)
	if _, err := readFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: short frame: %v", ErrFrame, err)
	}
	term, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: missing terminator: %v", ErrFrame, err)
	}
	if term != 0x00 {
		return nil, fmt.Errorf("%w: bad terminator 0x%02X", ErrFrame, term)
	}

	return &Message{Dir: dir, Status: status, Type: typ, Payload: payload}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
