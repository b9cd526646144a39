// transfer.go
package tftp

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// Default engine settings, applied when the corresponding Config field is
// zero.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 3
	DefaultMode       = "octet"
)

// Config carries the tunable parameters of one transfer. The zero value is
// usable: 512-byte blocks, no windowsize option, octet mode, 5-second
// receive timeout, 3 timeout retries per window.
type Config struct {
	BlockSize  int           // requested block size; 0 means the 512-byte default
	WindowSize int           // requested window size; 0 means the extension is not requested
	Mode       string        // transfer mode; empty means "octet"
	Timeout    time.Duration // receive timeout; 0 means 5 seconds
	MaxRetries int           // timeout retries per window before the transfer fails; 0 means 3
}

func (c Config) withDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.Mode == "" {
		c.Mode = DefaultMode
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Result is what a completed download hands back to the caller: the
// assembled payload, the parameters the session ran under, and the finalized
// metrics. Persistence, display and hashing are the caller's business.
type Result struct {
	Payload []byte
	Params  SessionParams
	Metrics TransferMetrics
}

// Download fetches remoteFile over conn. It owns conn and closes it on
// every exit path.
//
// The exchange follows RFC 7440 windowing: the server may stream up to the
// negotiated window of unacknowledged blocks, and the client's only
// obligation is a cumulative ACK naming the highest in-order block of each
// window. A receive timeout resends the last cumulative ACK; a window that
// exhausts its retries fails the transfer with ErrMaxRetries.
func Download(conn DatagramConn, remoteFile string, cfg Config) (*Result, error) {
	defer conn.Close()
	cfg = cfg.withDefaults()

	var metrics MetricsCollector
	start := time.Now()

	reqOpts := RequestOptions{BlockSize: cfg.BlockSize, WindowSize: cfg.WindowSize}
	if err := conn.Send(EncodeRequest(remoteFile, cfg.Mode, reqOpts)); err != nil {
		return nil, fmt.Errorf("sending read request: %w", err)
	}

	// The first reply decides the session parameters: an OACK carries the
	// negotiated options, a bare DATA packet means the server ignored them
	// entirely, anything else kills the transfer.
	raw, err := conn.Recv(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for first reply: %w", err)
	}
	first, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	params := DefaultParams(reqOpts)
	lastAckTime := time.Now()
	awaitingFirstData := false
	var cur Packet

	switch p := first.(type) {
	case *OackPacket:
		params = Negotiate(p.Options, reqOpts)
		log.Printf("Negotiated options: blksize=%d windowsize=%d", params.BlockSize, params.WindowSize)
		lastAckTime = time.Now()
		if err := conn.Send(EncodeAck(0)); err != nil {
			return nil, fmt.Errorf("acknowledging OACK: %w", err)
		}
		metrics.CountAck()
		awaitingFirstData = true
	case *DataPacket:
		cur = p
	case *ErrorPacket:
		return nil, &RemoteError{Code: p.Code, Message: p.Message}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected opcode %d in first reply", first.Op())}
	}

	var (
		payload  []byte
		window   []uint16
		expected uint16 = 1
		retries  int
	)

	for {
		if cur == nil {
			raw, err := conn.Recv(cfg.Timeout)
			if errors.Is(err, ErrTimeout) {
				metrics.CountRetransmit()
				if retries >= cfg.MaxRetries {
					return nil, fmt.Errorf("no data for block %d after %d retries: %w", expected, cfg.MaxRetries, ErrMaxRetries)
				}
				retries++
				ackBlock := expected - 1
				if len(window) > 0 {
					ackBlock = window[len(window)-1]
				}
				if err := conn.Send(EncodeAck(ackBlock)); err != nil {
					return nil, fmt.Errorf("resending ACK %d: %w", ackBlock, err)
				}
				metrics.CountAck()
				log.Printf("Timeout waiting for block %d; resent ACK %d (retry %d/%d)", expected, ackBlock, retries, cfg.MaxRetries)
				continue
			} else if err != nil {
				return nil, err
			}
			cur, err = Decode(raw)
			if err != nil {
				return nil, err
			}
		}

		switch p := cur.(type) {
		case *DataPacket:
			metrics.CountData()
			retries = 0
			if awaitingFirstData {
				// Round trip from the OACK acknowledgment to the first block.
				metrics.SampleRTT(time.Since(lastAckTime))
				awaitingFirstData = false
			}
			if p.Block != expected {
				metrics.CountRetransmit()
				log.Printf("Out-of-order block %d (expecting %d); counted as retransmission", p.Block, expected)
				break
			}
			payload = append(payload, p.Payload...)
			window = append(window, p.Block)
			expected++
			isFinal := len(p.Payload) < params.BlockSize
			if isFinal || len(window) >= params.WindowSize {
				now := time.Now()
				if err := conn.Send(EncodeAck(p.Block)); err != nil {
					return nil, fmt.Errorf("sending ACK %d: %w", p.Block, err)
				}
				metrics.CountAck()
				metrics.SampleRTT(now.Sub(lastAckTime))
				lastAckTime = now
				window = window[:0]
				if isFinal {
					m := metrics.Finalize(params.WindowSize, len(payload), time.Since(start))
					log.Printf("Transfer complete: %d bytes in %.2fs (%.2f Mbps)", m.FileSize, m.TransferTime, m.ThroughputMbps)
					return &Result{Payload: payload, Params: params, Metrics: m}, nil
				}
			}
		case *ErrorPacket:
			return nil, &RemoteError{Code: p.Code, Message: p.Message}
		case *AckPacket, *OackPacket, *RequestPacket:
			return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected opcode %d during transfer", cur.Op())}
		}
		cur = nil
	}
}
