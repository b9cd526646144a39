// kiss.go
package tftp

import (
	"bytes"
	"io"
	"log"
	"time"

	"go.bug.st/serial"
)

// ---------------------
// KISS Framing
// ---------------------

const (
	kissFlag    = 0xC0
	kissCmdData = 0x00
	kissEsc     = 0xDB
	kissEscFlag = 0xDC
	kissEscEsc  = 0xDD
)

// escapeKISS escapes any KISS special bytes so that framing is preserved.
func escapeKISS(data []byte) []byte {
	var out bytes.Buffer
	for _, b := range data {
		switch b {
		case kissFlag:
			out.Write([]byte{kissEsc, kissEscFlag})
		case kissEsc:
			out.Write([]byte{kissEsc, kissEscEsc})
		default:
			out.WriteByte(b)
		}
	}
	return out.Bytes()
}

// unescapeKISS reverses the KISS escaping.
func unescapeKISS(data []byte) []byte {
	var out bytes.Buffer
	for i := 0; i < len(data); {
		b := data[i]
		if b == kissEsc && i+1 < len(data) {
			switch data[i+1] {
			case kissEscFlag:
				out.WriteByte(kissFlag)
				i += 2
				continue
			case kissEscEsc:
				out.WriteByte(kissEsc)
				i += 2
				continue
			}
		}
		out.WriteByte(b)
		i++
	}
	return out.Bytes()
}

// buildKISSFrame wraps one TFTP packet in a KISS data frame.
func buildKISSFrame(pkt []byte) []byte {
	escaped := escapeKISS(pkt)
	frame := make([]byte, 0, len(escaped)+3)
	frame = append(frame, kissFlag, kissCmdData)
	frame = append(frame, escaped...)
	frame = append(frame, kissFlag)
	return frame
}

// extractKISSFrames extracts complete KISS frames from the given buffer.
// Returns the complete frames and any remaining bytes.
func extractKISSFrames(data []byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		start := bytes.IndexByte(data, kissFlag)
		if start == -1 {
			break
		}
		end := bytes.IndexByte(data[start+1:], kissFlag)
		if end == -1 {
			break
		}
		end = start + 1 + end
		frames = append(frames, data[start:end+1])
		data = data[end+1:]
	}
	return frames, data
}

// ---------------------
// Serial Connection
// ---------------------

// SerialConn carries TFTP packets in KISS frames over a serial port, for
// running transfers across a radio link whose far end bridges frames to a
// TFTP server. The link is point to point, so there is no transfer ID to
// track.
type SerialConn struct {
	ser     serial.Port
	buffer  []byte
	pending [][]byte
}

// NewSerialConn opens the named serial port at the given baud rate.
func NewSerialConn(portName string, baud int) (*SerialConn, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	ser, err := serial.Open(portName, mode)
	if err != nil {
		return nil, err
	}
	if err := ser.SetReadTimeout(100 * time.Millisecond); err != nil {
		ser.Close()
		return nil, err
	}
	log.Printf("[Serial] Opened serial port %s at %d baud", portName, baud)
	return &SerialConn{ser: ser}, nil
}

func (s *SerialConn) Send(pkt []byte) error {
	_, err := s.ser.Write(buildKISSFrame(pkt))
	return err
}

// Recv accumulates serial reads until a complete KISS frame is available or
// the timeout expires.
func (s *SerialConn) Recv(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1024)
	for {
		if len(s.pending) > 0 {
			frame := s.pending[0]
			s.pending = s.pending[1:]
			return frame, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
		n, err := s.ser.Read(buf)
		if err != nil {
			if err == io.EOF {
				continue
			}
			return nil, err
		}
		if n == 0 {
			continue
		}
		s.buffer = append(s.buffer, buf[:n]...)
		frames, remaining := extractKISSFrames(s.buffer)
		s.buffer = remaining
		for _, f := range frames {
			if len(f) < 4 || f[0] != kissFlag || f[len(f)-1] != kissFlag {
				continue
			}
			s.pending = append(s.pending, unescapeKISS(f[2:len(f)-1]))
		}
	}
}

func (s *SerialConn) Close() error { return s.ser.Close() }
