// metrics.go
package tftp

import "time"

// MetricsCollector accumulates raw transfer events. The transfer engine is
// its only writer; callers see nothing until Finalize converts the counters
// into an immutable TransferMetrics snapshot at completion.
type MetricsCollector struct {
	totalPackets    int
	totalAcks       int
	retransmissions int
	rttSamples      []float64 // milliseconds
}

// CountData records one observed DATA packet, in-order or not.
func (m *MetricsCollector) CountData() { m.totalPackets++ }

// CountAck records one ACK transmission, including resends and the ACK that
// answers an OACK.
func (m *MetricsCollector) CountAck() { m.totalAcks++ }

// CountRetransmit records a duplicate/out-of-order block or a
// timeout-triggered resend.
func (m *MetricsCollector) CountRetransmit() { m.retransmissions++ }

// SampleRTT records one round-trip sample.
func (m *MetricsCollector) SampleRTT(d time.Duration) {
	m.rttSamples = append(m.rttSamples, float64(d)/float64(time.Millisecond))
}

// TransferMetrics is the finalized per-transfer summary.
type TransferMetrics struct {
	WindowSize      int     `json:"windowsize"`
	FileSize        int     `json:"file_size"`
	TransferTime    float64 `json:"transfer_time"` // seconds
	TotalPackets    int     `json:"total_packets"`
	TotalAcks       int     `json:"total_acks"`
	Retransmissions int     `json:"retransmissions"`
	ThroughputMbps  float64 `json:"throughput_mbps"`
	AvgRTTms        float64 `json:"avg_rtt_ms"`
	PacketLossRate  float64 `json:"packet_loss_rate"`
}

// Finalize derives the summary statistics for a transfer that moved
// fileSize bytes in the given wall-clock time. Mean RTT is 0 when no sample
// was ever recorded; the loss-rate divisor is floored at one packet.
func (m *MetricsCollector) Finalize(windowSize, fileSize int, elapsed time.Duration) TransferMetrics {
	secs := elapsed.Seconds()
	var throughput float64
	if secs > 0 {
		throughput = float64(fileSize) * 8 / (secs * 1_000_000)
	}
	var avgRTT float64
	if len(m.rttSamples) > 0 {
		var sum float64
		for _, s := range m.rttSamples {
			sum += s
		}
		avgRTT = sum / float64(len(m.rttSamples))
	}
	divisor := m.totalPackets
	if divisor < 1 {
		divisor = 1
	}
	return TransferMetrics{
		WindowSize:      windowSize,
		FileSize:        fileSize,
		TransferTime:    secs,
		TotalPackets:    m.totalPackets,
		TotalAcks:       m.totalAcks,
		Retransmissions: m.retransmissions,
		ThroughputMbps:  throughput,
		AvgRTTms:        avgRTT,
		PacketLossRate:  float64(m.retransmissions) / float64(divisor),
	}
}
