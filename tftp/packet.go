// packet.go
package tftp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ---------------------
// Opcodes and Defaults
// ---------------------

// TFTP opcodes (RFC 1350, OACK from RFC 2347).
const (
	OpRRQ   uint16 = 1
	OpWRQ   uint16 = 2
	OpData  uint16 = 3
	OpAck   uint16 = 4
	OpError uint16 = 5
	OpOack  uint16 = 6
)

// DefaultBlockSize is the block size used when no blksize option is
// negotiated (RFC 1350).
const DefaultBlockSize = 512

// ---------------------
// Packet Variants
// ---------------------

// Packet is the closed set of TFTP packet variants. Decode returns exactly
// one of RequestPacket, DataPacket, AckPacket, ErrorPacket or OackPacket,
// so every receive site can dispatch with an exhaustive type switch.
type Packet interface {
	Op() uint16
}

// RequestPacket is a read or write request (RRQ/WRQ) with its option pairs.
type RequestPacket struct {
	Opcode   uint16
	Filename string
	Mode     string
	Options  map[string]string
}

// DataPacket carries one block of file data. Block numbers start at 1 and
// wrap modulo 65536.
type DataPacket struct {
	Block   uint16
	Payload []byte
}

// AckPacket acknowledges the highest in-order block received.
type AckPacket struct {
	Block uint16
}

// ErrorPacket carries a server-side failure.
type ErrorPacket struct {
	Code    uint16
	Message string
}

// OackPacket confirms which requested options the server honors.
type OackPacket struct {
	Options map[string]string
}

func (p *RequestPacket) Op() uint16 { return p.Opcode }
func (p *DataPacket) Op() uint16    { return OpData }
func (p *AckPacket) Op() uint16     { return OpAck }
func (p *ErrorPacket) Op() uint16   { return OpError }
func (p *OackPacket) Op() uint16    { return OpOack }

// ---------------------
// Encoding
// ---------------------

// RequestOptions carries the transfer options attached to a read request.
// A zero WindowSize means the windowsize extension is not requested.
type RequestOptions struct {
	BlockSize  int
	WindowSize int
}

// EncodeRequest builds a read request (RRQ) for the given file and transfer
// mode. The blksize option pair is appended only when the requested block
// size differs from the 512-byte default; the windowsize pair only when a
// window size was explicitly requested.
func EncodeRequest(filename, mode string, opts RequestOptions) []byte {
	pkt := make([]byte, 2, 2+len(filename)+len(mode)+32)
	binary.BigEndian.PutUint16(pkt, OpRRQ)
	pkt = append(pkt, filename...)
	pkt = append(pkt, 0)
	pkt = append(pkt, mode...)
	pkt = append(pkt, 0)
	if opts.BlockSize != 0 && opts.BlockSize != DefaultBlockSize {
		pkt = appendOption(pkt, "blksize", opts.BlockSize)
	}
	if opts.WindowSize > 0 {
		pkt = appendOption(pkt, "windowsize", opts.WindowSize)
	}
	return pkt
}

func appendOption(pkt []byte, name string, value int) []byte {
	pkt = append(pkt, name...)
	pkt = append(pkt, 0)
	pkt = append(pkt, strconv.Itoa(value)...)
	pkt = append(pkt, 0)
	return pkt
}

// EncodeAck builds the fixed 4-byte ACK packet for the given block number.
func EncodeAck(block uint16) []byte {
	pkt := make([]byte, 4)
	binary.BigEndian.PutUint16(pkt[0:2], OpAck)
	binary.BigEndian.PutUint16(pkt[2:4], block)
	return pkt
}

// ---------------------
// Decoding
// ---------------------

// Decode parses a raw datagram into its packet variant. An opcode outside
// the known set is a protocol error.
func Decode(pkt []byte) (Packet, error) {
	if len(pkt) < 2 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("packet too short (%d bytes)", len(pkt))}
	}
	switch op := binary.BigEndian.Uint16(pkt[0:2]); op {
	case OpRRQ, OpWRQ:
		return decodeRequest(pkt)
	case OpData:
		block, payload, err := DecodeData(pkt)
		if err != nil {
			return nil, err
		}
		return &DataPacket{Block: block, Payload: payload}, nil
	case OpAck:
		if len(pkt) < 4 {
			return nil, &ProtocolError{Reason: "ACK packet too short"}
		}
		return &AckPacket{Block: binary.BigEndian.Uint16(pkt[2:4])}, nil
	case OpError:
		code, msg, err := DecodeError(pkt)
		if err != nil {
			return nil, err
		}
		return &ErrorPacket{Code: code, Message: msg}, nil
	case OpOack:
		opts, err := DecodeOack(pkt)
		if err != nil {
			return nil, err
		}
		return &OackPacket{Options: opts}, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown opcode %d", op)}
	}
}

// DecodeData parses a DATA packet into its block number and payload.
func DecodeData(pkt []byte) (uint16, []byte, error) {
	if len(pkt) < 4 {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("DATA packet too short (%d bytes)", len(pkt))}
	}
	if op := binary.BigEndian.Uint16(pkt[0:2]); op != OpData {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("expected DATA packet, got opcode %d", op)}
	}
	return binary.BigEndian.Uint16(pkt[2:4]), pkt[4:], nil
}

// DecodeError parses an ERROR packet into its code and message. The message
// is ASCII with invalid bytes replaced and trailing NUL terminators trimmed.
func DecodeError(pkt []byte) (uint16, string, error) {
	if len(pkt) < 4 {
		return 0, "", &ProtocolError{Reason: fmt.Sprintf("ERROR packet too short (%d bytes)", len(pkt))}
	}
	if op := binary.BigEndian.Uint16(pkt[0:2]); op != OpError {
		return 0, "", &ProtocolError{Reason: fmt.Sprintf("expected ERROR packet, got opcode %d", op)}
	}
	code := binary.BigEndian.Uint16(pkt[2:4])
	msg := decodeASCII(bytes.TrimRight(pkt[4:], "\x00"))
	return code, msg, nil
}

// DecodeOack parses an OACK packet into its option map. The body is a run
// of alternating NUL-terminated key/value pairs; keys are lower-cased for
// case-insensitive lookup and pairs with an empty key are skipped.
func DecodeOack(pkt []byte) (map[string]string, error) {
	if len(pkt) < 2 {
		return nil, &ProtocolError{Reason: "OACK packet too short"}
	}
	if op := binary.BigEndian.Uint16(pkt[0:2]); op != OpOack {
		return nil, &ProtocolError{Reason: fmt.Sprintf("expected OACK packet, got opcode %d", op)}
	}
	return parseOptionPairs(pkt[2:]), nil
}

func decodeRequest(pkt []byte) (*RequestPacket, error) {
	fields := bytes.Split(pkt[2:], []byte{0})
	if len(fields) < 2 {
		return nil, &ProtocolError{Reason: "request packet missing filename or mode"}
	}
	req := &RequestPacket{
		Opcode:   binary.BigEndian.Uint16(pkt[0:2]),
		Filename: decodeASCII(fields[0]),
		Mode:     decodeASCII(fields[1]),
	}
	off := 2 + len(fields[0]) + 1 + len(fields[1]) + 1
	if off < len(pkt) {
		req.Options = parseOptionPairs(pkt[off:])
	} else {
		req.Options = map[string]string{}
	}
	return req, nil
}

func parseOptionPairs(body []byte) map[string]string {
	opts := make(map[string]string)
	parts := bytes.Split(body, []byte{0})
	for i := 0; i+1 < len(parts); i += 2 {
		if len(parts[i]) == 0 {
			continue
		}
		key := strings.ToLower(decodeASCII(parts[i]))
		opts[key] = decodeASCII(parts[i+1])
	}
	return opts
}

// decodeASCII converts bytes to a string, replacing anything outside the
// ASCII range.
func decodeASCII(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c < utf8.RuneSelf {
			sb.WriteByte(c)
		} else {
			sb.WriteRune(utf8.RuneError)
		}
	}
	return sb.String()
}
