package outbound

import (
	"sync"
	"time"
)

// Status is the terminal state of one campaign job or the live state
// of an attempt.
type Status string

const (
	StatusInitiated    Status = "initiated"
	StatusRinging      Status = "ringing"
	StatusAnswered     Status = "answered"
	StatusAudioPlaying Status = "audio_playing"
	StatusCompleted    Status = "completed"
	StatusAudioFailed  Status = "audio_failed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusSkipped      Status = "skipped"
)

// Reason classifies why an attempt or job failed.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInvalidPhone      Reason = "invalid_phone"
	ReasonAllocationFailed  Reason = "allocation_failed"
	ReasonOriginateFailed   Reason = "originate_failed"
	ReasonDialTimeout       Reason = "dial_timeout"
	ReasonPlayFailed        Reason = "play_failed"
	ReasonAudioStartTimeout Reason = "audio_start_timeout"
	ReasonChannelDestroyed  Reason = "channel_destroyed"
	ReasonJobTimeout        Reason = "job_timeout"
	ReasonMaxAttempts       Reason = "max_attempts"
)

// JobRecord is the per-subscriber outcome kept for the batch summary.
type JobRecord struct {
	SubscriberID int64
	Phone        string
	Status       Status
	Reason       Reason
	Attempts     int
	Duration     time.Duration
	AudioPlayed  bool
	// ForcedAudio marks jobs completed through the silent-timeout
	// fallback rather than a confirmed PlaybackStarted.
	ForcedAudio bool
}

// BatchStats accumulates campaign counters. Safe for concurrent reads
// while the batch runs, so the metrics collector can scrape it live.
type BatchStats struct {
	mu        sync.Mutex
	startedAt time.Time
	records   []JobRecord

	total       int
	successful  int
	failed      int
	skipped     int
	forcedAudio int
}

// NewBatchStats starts an empty batch.
func NewBatchStats() *BatchStats {
	return &BatchStats{startedAt: time.Now()}
}

func (b *BatchStats) record(r JobRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, r)
	b.total++
	switch r.Status {
	case StatusCompleted:
		b.successful++
	case StatusSkipped:
		b.skipped++
	default:
		b.failed++
	}
	if r.ForcedAudio {
		b.forcedAudio++
	}
}

// Totals returns the running counters.
func (b *BatchStats) Totals() (total, successful, failed, skipped, forcedAudio int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.successful, b.failed, b.skipped, b.forcedAudio
}

// Records returns a copy of the per-job outcomes.
func (b *BatchStats) Records() []JobRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]JobRecord(nil), b.records...)
}

// Elapsed is the batch wall time so far.
func (b *BatchStats) Elapsed() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.startedAt)
}
