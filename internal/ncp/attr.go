package ncp

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Metadata string slots are fixed at 50 bytes including the terminator.
const attrStringSize = 50

// attrRecordSize is the packed wire size of an attribute record:
// ieee(8) + short(2) + device(1) + endpoint(1) + cluster(2) + attr(2) +
// value_type(1) + value(4) + four 50-byte strings.
const attrRecordSize = 21 + 4*attrStringSize

// AttrRecord is the attribute payload carried by ZB_DATA_* messages.
type AttrRecord struct {
	IEEE      [8]byte
	ShortAddr uint16
	DeviceID  uint8
	Endpoint  uint8
	ClusterID uint16
	AttrID    uint16
	ValueType uint8
	Value     uint32

	Manufacturer string
	Name         string
	Type         string
	TypeID       uint32
}

// IEEEString renders the IEEE address as colon-separated uppercase hex.
func (r *AttrRecord) IEEEString() string {
	parts := make([]string, len(r.IEEE))
	for i, b := range r.IEEE {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// ParseIEEE parses a colon-separated hex IEEE address.
func ParseIEEE(s string) ([8]byte, error) {
	var addr [8]byte
	parts := strings.Split(s, ":")
	if len(parts) != 8 {
		return addr, fmt.Errorf("ieee address %q: want 8 colon-separated bytes", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("ieee address %q: %w", s, err)
		}
		addr[i] = byte(v)
	}
	return addr, nil
}

// Equal reports field-for-field equality, used for duplicate suppression.
func (r *AttrRecord) Equal(o *AttrRecord) bool {
	return o != nil && *r == *o
}

// Pack serializes the record to its fixed wire layout. The type-id travels
// in its metadata string slot as 0x-prefixed hex.
func (r *AttrRecord) Pack() []byte {
	buf := make([]byte, attrRecordSize)
	copy(buf[0:8], r.IEEE[:])
	binary.LittleEndian.PutUint16(buf[8:10], r.ShortAddr)
	buf[10] = r.DeviceID
	buf[11] = r.Endpoint
	binary.LittleEndian.PutUint16(buf[12:14], r.ClusterID)
	binary.LittleEndian.PutUint16(buf[14:16], r.AttrID)
	buf[16] = r.ValueType
	binary.LittleEndian.PutUint32(buf[17:21], r.Value)

	packString(buf[21:21+attrStringSize], r.Manufacturer)
	packString(buf[21+attrStringSize:21+2*attrStringSize], r.Name)
	packString(buf[21+2*attrStringSize:21+3*attrStringSize], r.Type)
	packString(buf[21+3*attrStringSize:], fmt.Sprintf("0x%08X", r.TypeID))
	return buf
}

// UnpackAttrRecord decodes a packed attribute record.
func UnpackAttrRecord(data []byte) (*AttrRecord, error) {
	if len(data) < attrRecordSize {
		return nil, fmt.Errorf("attr record too short: %d bytes, want %d", len(data), attrRecordSize)
	}
	r := &AttrRecord{
		ShortAddr: binary.LittleEndian.Uint16(data[8:10]),
		DeviceID:  data[10],
		Endpoint:  data[11],
		ClusterID: binary.LittleEndian.Uint16(data[12:14]),
		AttrID:    binary.LittleEndian.Uint16(data[14:16]),
		ValueType: data[16],
		Value:     binary.LittleEndian.Uint32(data[17:21]),
	}
	copy(r.IEEE[:], data[0:8])
	r.Manufacturer = unpackString(data[21 : 21+attrStringSize])
	r.Name = unpackString(data[21+attrStringSize : 21+2*attrStringSize])
	r.Type = unpackString(data[21+2*attrStringSize : 21+3*attrStringSize])

	idStr := unpackString(data[21+3*attrStringSize:])
	if idStr != "" {
		id, err := strconv.ParseUint(idStr, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("attr record type-id %q: %w", idStr, err)
		}
		r.TypeID = uint32(id)
	}
	return r, nil
}

func packString(dst []byte, s string) {
	if len(s) > attrStringSize-1 {
		s = s[:attrStringSize-1]
	}
	copy(dst, s)
}

func unpackString(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src[:attrStringSize-1])
}
