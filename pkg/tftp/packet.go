// Package tftp implements the server side of TFTP (RFC 1350) with blksize
// option negotiation (RFC 2348), read requests only.
package tftp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Opcodes.
const (
	opRRQ   uint16 = 1
	opWRQ   uint16 = 2
	opData  uint16 = 3
	opAck   uint16 = 4
	opError uint16 = 5
	opOACK  uint16 = 6
)

// Error codes.
const (
	ErrUndefined     uint16 = 0
	ErrFileNotFound  uint16 = 1
	ErrAccess        uint16 = 2
	ErrDiskFull      uint16 = 3
	ErrIllegalOp     uint16 = 4
	ErrUnknownTID    uint16 = 5
	ErrFileExists    uint16 = 6
	ErrNoSuchUser    uint16 = 7
	ErrOptionRefused uint16 = 8
)

// Block size bounds from RFC 2348.
const (
	MinBlockSize     = 8
	MaxBlockSize     = 65464
	DefaultBlockSize = 512
)

// PacketError reports a datagram that does not decode as a valid packet.
type PacketError struct {
	Reason string
}

func (e *PacketError) Error() string {
	return "invalid TFTP packet: " + e.Reason
}

func newPacketError(format string, args ...interface{}) *PacketError {
	return &PacketError{Reason: fmt.Sprintf(format, args...)}
}

// request is a decoded RRQ or WRQ.
type request struct {
	op       uint16
	filename string
	mode     string

	// blkSize is the negotiated block size; 0 when the client did not ask.
	blkSize int
}

// parseRequest decodes an initial datagram. Only RRQ and WRQ opcodes are
// valid on the server port.
func parseRequest(data []byte) (*request, error) {
	if len(data) < 2 {
		return nil, newPacketError("short packet (%d bytes)", len(data))
	}
	op := binary.BigEndian.Uint16(data)
	if op != opRRQ && op != opWRQ {
		return nil, newPacketError("unexpected opcode %d on server port", op)
	}

	fields, err := splitFields(data[2:])
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 {
		return nil, newPacketError("missing filename or mode")
	}
	req := &request{op: op, filename: fields[0], mode: strings.ToLower(fields[1])}
	if req.filename == "" {
		return nil, newPacketError("empty filename")
	}

	// Options come as name/value pairs after the mode.
	opts := fields[2:]
	if len(opts)%2 != 0 {
		return nil, newPacketError("dangling option name")
	}
	for i := 0; i < len(opts); i += 2 {
		if strings.ToLower(opts[i]) != "blksize" {
			continue
		}
		n, err := strconv.Atoi(opts[i+1])
		if err != nil || n < MinBlockSize || n > MaxBlockSize {
			return nil, newPacketError("invalid blksize option %q", opts[i+1])
		}
		req.blkSize = n
	}
	return req, nil
}

// splitFields cuts a sequence of null-terminated strings. Trailing garbage
// after the last terminator is an error.
func splitFields(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[len(data)-1] != 0 {
		return nil, newPacketError("unterminated string")
	}
	parts := bytes.Split(data[:len(data)-1], []byte{0})
	fields := make([]string, len(parts))
	for i, p := range parts {
		fields[i] = string(p)
	}
	return fields, nil
}

// parseAck decodes an ACK datagram, returning the acknowledged block.
func parseAck(data []byte) (uint16, error) {
	if len(data) < 4 {
		return 0, newPacketError("short ACK (%d bytes)", len(data))
	}
	op := binary.BigEndian.Uint16(data)
	switch op {
	case opAck:
		return binary.BigEndian.Uint16(data[2:]), nil
	case opError:
		code := binary.BigEndian.Uint16(data[2:])
		return 0, fmt.Errorf("client error %d: %s", code, errMessage(data[4:]))
	default:
		return 0, newPacketError("unexpected opcode %d during transfer", op)
	}
}

func errMessage(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}

func buildData(block uint16, payload []byte) []byte {
	pkt := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(pkt, opData)
	binary.BigEndian.PutUint16(pkt[2:], block)
	copy(pkt[4:], payload)
	return pkt
}

func buildError(code uint16, msg string) []byte {
	// The message is a null-terminated field; an embedded NUL would
	// truncate it on the wire.
	msg = strings.ReplaceAll(msg, "\x00", "")
	pkt := make([]byte, 4+len(msg)+1)
	binary.BigEndian.PutUint16(pkt, opError)
	binary.BigEndian.PutUint16(pkt[2:], code)
	copy(pkt[4:], msg)
	return pkt
}

func buildOACK(blkSize int) []byte {
	var buf bytes.Buffer
	var op [2]byte
	binary.BigEndian.PutUint16(op[:], opOACK)
	buf.Write(op[:])
	buf.WriteString("blksize")
	buf.WriteByte(0)
	buf.WriteString(strconv.Itoa(blkSize))
	buf.WriteByte(0)
	return buf.Bytes()
}
