package tftp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// scriptConn plays back a fixed sequence of server replies. A nil entry
// simulates a receive timeout; an exhausted script times out forever.
type scriptConn struct {
	replies [][]byte
	sent    [][]byte
	closed  bool
}

func (c *scriptConn) Send(pkt []byte) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *scriptConn) Recv(timeout time.Duration) ([]byte, error) {
	if len(c.replies) == 0 {
		return nil, ErrTimeout
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	if r == nil {
		return nil, ErrTimeout
	}
	return r, nil
}

func (c *scriptConn) Close() error {
	c.closed = true
	return nil
}

func dataPkt(block uint16, payload []byte) []byte {
	pkt := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint16(pkt[0:2], OpData)
	binary.BigEndian.PutUint16(pkt[2:4], block)
	return append(pkt, payload...)
}

func oackPkt(pairs ...string) []byte {
	pkt := []byte{0, 6}
	for _, p := range pairs {
		pkt = append(pkt, p...)
		pkt = append(pkt, 0)
	}
	return pkt
}

func errPkt(code uint16, msg string) []byte {
	pkt := make([]byte, 4, 4+len(msg)+1)
	binary.BigEndian.PutUint16(pkt[0:2], OpError)
	binary.BigEndian.PutUint16(pkt[2:4], code)
	pkt = append(pkt, msg...)
	return append(pkt, 0)
}

// sentAcks extracts the block numbers of every ACK the client sent.
func sentAcks(c *scriptConn) []uint16 {
	var acks []uint16
	for _, pkt := range c.sent {
		if len(pkt) == 4 && binary.BigEndian.Uint16(pkt[0:2]) == OpAck {
			acks = append(acks, binary.BigEndian.Uint16(pkt[2:4]))
		}
	}
	return acks
}

func fullBlock(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 512)
}

func ackSeqEqual(got, want []uint16) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestWindowClosureBoundary(t *testing.T) {
	conn := &scriptConn{replies: [][]byte{
		oackPkt("windowsize", "4", "blksize", "512"),
		dataPkt(1, fullBlock(1)),
		dataPkt(2, fullBlock(2)),
		dataPkt(3, fullBlock(3)),
		dataPkt(4, fullBlock(4)),
		dataPkt(5, bytes.Repeat([]byte{5}, 100)),
	}}
	res, err := Download(conn, "f.bin", Config{WindowSize: 4})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	// One ACK for the OACK, one when the window fills at block 4, one for
	// the short final block.
	if acks := sentAcks(conn); !ackSeqEqual(acks, []uint16{0, 4, 5}) {
		t.Fatalf("ACK sequence = %v, want [0 4 5]", acks)
	}
	if len(res.Payload) != 4*512+100 {
		t.Fatalf("payload length = %d", len(res.Payload))
	}
	if res.Params.WindowSize != 4 {
		t.Fatalf("negotiated window = %d", res.Params.WindowSize)
	}
	if !conn.closed {
		t.Fatal("connection left open after success")
	}
}

func TestFullFifthBlockDefersAck(t *testing.T) {
	conn := &scriptConn{replies: [][]byte{
		oackPkt("windowsize", "4"),
		dataPkt(1, fullBlock(1)),
		dataPkt(2, fullBlock(2)),
		dataPkt(3, fullBlock(3)),
		dataPkt(4, fullBlock(4)),
		dataPkt(5, fullBlock(5)),
		dataPkt(6, fullBlock(6)),
		dataPkt(7, fullBlock(7)),
		dataPkt(8, fullBlock(8)),
		dataPkt(9, []byte{9}),
	}}
	if _, err := Download(conn, "f.bin", Config{WindowSize: 4}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if acks := sentAcks(conn); !ackSeqEqual(acks, []uint16{0, 4, 8, 9}) {
		t.Fatalf("ACK sequence = %v, want [0 4 8 9]", acks)
	}
}

func TestExactMultipleEndsWithEmptyBlock(t *testing.T) {
	// 4 full blocks = blksize*windowsize*2 exactly; the server signals EOF
	// with a zero-length DATA packet.
	conn := &scriptConn{replies: [][]byte{
		oackPkt("windowsize", "2"),
		dataPkt(1, fullBlock(1)),
		dataPkt(2, fullBlock(2)),
		dataPkt(3, fullBlock(3)),
		dataPkt(4, fullBlock(4)),
		dataPkt(5, nil),
	}}
	res, err := Download(conn, "exact-window.bin", Config{WindowSize: 2})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(res.Payload) != 4*512 {
		t.Fatalf("payload length = %d, want 2048", len(res.Payload))
	}
	if acks := sentAcks(conn); !ackSeqEqual(acks, []uint16{0, 2, 4, 5}) {
		t.Fatalf("ACK sequence = %v, want [0 2 4 5]", acks)
	}
}

func TestDuplicateBlockCountsRetransmission(t *testing.T) {
	conn := &scriptConn{replies: [][]byte{
		oackPkt("windowsize", "4"),
		dataPkt(1, fullBlock(1)),
		dataPkt(2, fullBlock(2)),
		dataPkt(3, fullBlock(3)),
		dataPkt(4, fullBlock(4)),
		dataPkt(3, fullBlock(3)), // retransmitted duplicate
		dataPkt(5, []byte{5}),
	}}
	res, err := Download(conn, "f.bin", Config{WindowSize: 4})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Metrics.Retransmissions != 1 {
		t.Fatalf("retransmissions = %d, want 1", res.Metrics.Retransmissions)
	}
	if res.Metrics.TotalPackets != 6 {
		t.Fatalf("total packets = %d, want 6", res.Metrics.TotalPackets)
	}
	// The duplicate must not disturb the window: payload is blocks 1-5 once.
	if len(res.Payload) != 4*512+1 {
		t.Fatalf("payload length = %d", len(res.Payload))
	}
	if acks := sentAcks(conn); !ackSeqEqual(acks, []uint16{0, 4, 5}) {
		t.Fatalf("ACK sequence = %v, want [0 4 5]", acks)
	}
}

func TestWindowSizeOneLockstep(t *testing.T) {
	// No OACK: the server ignored the options and answers with DATA
	// directly, so the session degrades to classic per-block acknowledgment.
	conn := &scriptConn{replies: [][]byte{
		dataPkt(1, fullBlock(1)),
		dataPkt(2, fullBlock(2)),
		dataPkt(3, []byte{3, 3}),
	}}
	res, err := Download(conn, "f.bin", Config{})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Params.WindowSize != 1 || res.Params.BlockSize != 512 {
		t.Fatalf("params = %+v, want window 1, blksize 512", res.Params)
	}
	if acks := sentAcks(conn); !ackSeqEqual(acks, []uint16{1, 2, 3}) {
		t.Fatalf("ACK sequence = %v, want [1 2 3]", acks)
	}
	if res.Metrics.TotalAcks != 3 {
		t.Fatalf("total ACKs = %d, want 3", res.Metrics.TotalAcks)
	}
}

func TestTimeoutResendsCumulativeAck(t *testing.T) {
	conn := &scriptConn{replies: [][]byte{
		oackPkt("windowsize", "4"),
		dataPkt(1, fullBlock(1)),
		nil, // timeout mid-window
		dataPkt(2, fullBlock(2)),
		dataPkt(3, fullBlock(3)),
		dataPkt(4, fullBlock(4)),
		dataPkt(5, []byte{5}),
	}}
	res, err := Download(conn, "f.bin", Config{WindowSize: 4})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	// The resend names the last block of the still-open window.
	if acks := sentAcks(conn); !ackSeqEqual(acks, []uint16{0, 1, 4, 5}) {
		t.Fatalf("ACK sequence = %v, want [0 1 4 5]", acks)
	}
	if res.Metrics.Retransmissions != 1 {
		t.Fatalf("retransmissions = %d, want 1", res.Metrics.Retransmissions)
	}
}

func TestTimeoutWithEmptyWindowAcksExpectedMinusOne(t *testing.T) {
	conn := &scriptConn{replies: [][]byte{
		oackPkt("windowsize", "2"),
		dataPkt(1, fullBlock(1)),
		dataPkt(2, fullBlock(2)), // window closes, ACK 2
		nil,                      // timeout with a cleared window
		dataPkt(3, []byte{3}),
	}}
	if _, err := Download(conn, "f.bin", Config{WindowSize: 2}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if acks := sentAcks(conn); !ackSeqEqual(acks, []uint16{0, 2, 2, 3}) {
		t.Fatalf("ACK sequence = %v, want [0 2 2 3]", acks)
	}
}

func TestMaxRetriesExceeded(t *testing.T) {
	conn := &scriptConn{replies: [][]byte{
		oackPkt("windowsize", "4"),
		// Script exhausted: every further receive times out.
	}}
	_, err := Download(conn, "f.bin", Config{WindowSize: 4, MaxRetries: 2})
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("Download = %v, want ErrMaxRetries", err)
	}
	// Two resends of ACK 0 on top of the OACK acknowledgment.
	if acks := sentAcks(conn); !ackSeqEqual(acks, []uint16{0, 0, 0}) {
		t.Fatalf("ACK sequence = %v, want [0 0 0]", acks)
	}
	if !conn.closed {
		t.Fatal("connection left open after failure")
	}
}

func TestRemoteErrorAborts(t *testing.T) {
	conn := &scriptConn{replies: [][]byte{
		errPkt(1, "File not found"),
	}}
	_, err := Download(conn, "missing.bin", Config{})
	var rerr *RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("Download = %v, want RemoteError", err)
	}
	if rerr.Code != 1 || rerr.Message != "File not found" {
		t.Fatalf("remote error = %d %q", rerr.Code, rerr.Message)
	}
	if !conn.closed {
		t.Fatal("connection left open after remote error")
	}
}

func TestRemoteErrorMidTransfer(t *testing.T) {
	conn := &scriptConn{replies: [][]byte{
		oackPkt("windowsize", "4"),
		dataPkt(1, fullBlock(1)),
		errPkt(3, "Disk full"),
	}}
	_, err := Download(conn, "f.bin", Config{WindowSize: 4})
	var rerr *RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("Download = %v, want RemoteError", err)
	}
	if rerr.Code != 3 {
		t.Fatalf("remote error code = %d, want 3", rerr.Code)
	}
}

func TestUnexpectedFirstReply(t *testing.T) {
	conn := &scriptConn{replies: [][]byte{
		EncodeAck(1),
	}}
	_, err := Download(conn, "f.bin", Config{})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Download = %v, want ProtocolError", err)
	}
	if !conn.closed {
		t.Fatal("connection left open after protocol error")
	}
}
