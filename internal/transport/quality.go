package transport

import (
	"sync"
	"time"

	"github.com/petervdpas/mentality/internal/util"
)

type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
)

const (
	qualityWindow = 5
	goodRTT       = 150 * time.Millisecond
	fairRTT       = 300 * time.Millisecond
)

// QualityMonitor classifies the link from the average of the last few
// round-trip samples.
type QualityMonitor struct {
	mu      sync.Mutex
	samples *util.RingBuffer[time.Duration]
	current Quality
}

func NewQualityMonitor() *QualityMonitor {
	return &QualityMonitor{
		samples: util.NewRingBuffer[time.Duration](qualityWindow),
		current: QualityUnknown,
	}
}

func classify(avg time.Duration) Quality {
	switch {
	case avg < goodRTT:
		return QualityGood
	case avg < fairRTT:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Add records one RTT sample and returns the new classification.
func (q *QualityMonitor) Add(rtt time.Duration) Quality {
	if rtt < 0 {
		rtt = 0
	}
	q.samples.Push(rtt)

	var sum time.Duration
	window := q.samples.Snapshot()
	for _, s := range window {
		sum += s
	}

	q.mu.Lock()
	q.current = classify(sum / time.Duration(len(window)))
	cur := q.current
	q.mu.Unlock()
	return cur
}

// Downgrade moves the estimate one step towards poor (a missed pong).
func (q *QualityMonitor) Downgrade() Quality {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.current {
	case QualityGood:
		q.current = QualityFair
	case QualityUnknown, QualityFair:
		q.current = QualityPoor
	}
	return q.current
}

// ForcePoor is used when the host reports the network as offline.
func (q *QualityMonitor) ForcePoor() {
	q.mu.Lock()
	q.current = QualityPoor
	q.mu.Unlock()
}

// Reset forgets all samples.
func (q *QualityMonitor) Reset() {
	q.samples.Reset()
	q.mu.Lock()
	q.current = QualityUnknown
	q.mu.Unlock()
}

func (q *QualityMonitor) Current() Quality {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Average returns the mean RTT of the window, zero when empty.
func (q *QualityMonitor) Average() time.Duration {
	window := q.samples.Snapshot()
	if len(window) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range window {
		sum += s
	}
	return sum / time.Duration(len(window))
}
