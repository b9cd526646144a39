// conn.go
package tftp

import (
	"fmt"
	"log"
	"net"
	"time"
)

// ---------------------
// Connection Interface and UDP Implementation
// ---------------------

// DatagramConn abstracts the datagram link a transfer runs over, so the
// engine works the same over plain UDP or a KISS-framed serial link.
type DatagramConn interface {
	// Send transmits one TFTP packet to the peer.
	Send(pkt []byte) error
	// Recv blocks until a packet arrives or the timeout expires, in which
	// case it returns ErrTimeout.
	Recv(timeout time.Duration) ([]byte, error)
	Close() error
}

// UDPConn is the standard TFTP transport. The read request goes to the
// server's listening port; the first reply establishes the server's transfer
// ID (its ephemeral port) and every later send is addressed there. Datagrams
// arriving from any other source are ignored.
type UDPConn struct {
	conn    *net.UDPConn
	server  *net.UDPAddr
	tid     *net.UDPAddr
	recvBuf []byte
}

// NewUDPConn binds an ephemeral local socket for one transfer to the given
// server address ("host:port"). maxPacket sizes the receive buffer and
// should be the requested block size plus the 4-byte DATA header.
func NewUDPConn(server string, maxPacket int) (*UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolving server address %s: %w", server, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("binding local socket: %w", err)
	}
	if maxPacket < DefaultBlockSize+4 {
		maxPacket = DefaultBlockSize + 4
	}
	return &UDPConn{conn: conn, server: addr, recvBuf: make([]byte, maxPacket)}, nil
}

func (u *UDPConn) Send(pkt []byte) error {
	dst := u.server
	if u.tid != nil {
		dst = u.tid
	}
	_, err := u.conn.WriteToUDP(pkt, dst)
	return err
}

func (u *UDPConn) Recv(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := u.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, from, err := u.conn.ReadFromUDP(u.recvBuf)
		if err != nil {
			if nErr, ok := err.(net.Error); ok && nErr.Timeout() {
				return nil, ErrTimeout
			}
			return nil, err
		}
		if u.tid == nil {
			u.tid = from
		} else if !from.IP.Equal(u.tid.IP) || from.Port != u.tid.Port {
			log.Printf("Ignoring packet from unexpected source %s", from)
			continue
		}
		out := make([]byte, n)
		copy(out, u.recvBuf[:n])
		return out, nil
	}
}

func (u *UDPConn) Close() error { return u.conn.Close() }
