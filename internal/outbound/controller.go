package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/voicebridge/voicebridge/internal/ari"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

// ARIClient is the slice of the ARI surface the campaign needs.
type ARIClient interface {
	Info(ctx context.Context) (*ari.AsteriskInfo, error)
	Originate(ctx context.Context, req ari.OriginateRequest) (*ari.Channel, error)
	Play(ctx context.Context, channelID, media string) (*ari.Playback, error)
	GetChannel(ctx context.Context, channelID string) (*ari.Channel, error)
	Hangup(ctx context.Context, channelID string) error
	ListChannels(ctx context.Context) ([]ari.Channel, error)
}

// Options tunes the campaign. Zero values take the documented
// defaults.
type Options struct {
	// App is the outbound Stasis application name.
	App string
	// EndpointFormat is the dial string template; %s is the normalized
	// phone number.
	EndpointFormat string
	CallerID       string
	// Media is the announcement played to answered calls.
	Media string

	MaxAttempts       int
	CallTimeout       time.Duration
	AudioStartTimeout time.Duration
	MaxSilent         time.Duration
	RetryDelay        time.Duration
	InterJobDelay     time.Duration
	PerJobTimeout     time.Duration
	// AllocationBackoff is the extra pause after an "Allocation
	// failed" origination error.
	AllocationBackoff time.Duration

	// Now is replaceable for cut-day tests.
	Now    func() time.Time
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.App == "" {
		o.App = "overdue-app"
	}
	if o.EndpointFormat == "" {
		o.EndpointFormat = "PJSIP/%s"
	}
	if o.Media == "" {
		o.Media = "sound:morosos"
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = 90 * time.Second
	}
	if o.AudioStartTimeout == 0 {
		o.AudioStartTimeout = 15 * time.Second
	}
	if o.MaxSilent == 0 {
		o.MaxSilent = 20 * time.Second
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 120 * time.Second
	}
	if o.InterJobDelay == 0 {
		o.InterJobDelay = 10 * time.Second
	}
	if o.PerJobTimeout == 0 {
		o.PerJobTimeout = 600 * time.Second
	}
	if o.AllocationBackoff == 0 {
		o.AllocationBackoff = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Controller runs one campaign batch: jobs strictly sequential, paced
// by a rate limiter.
type Controller struct {
	ari     ARIClient
	repo    database.SubscriberRepository
	events  <-chan ari.Event
	opts    Options
	limiter *rate.Limiter
	stats   *BatchStats
	logger  *slog.Logger
}

// New creates a Controller consuming the outbound app's event stream.
func New(ariClient ARIClient, repo database.SubscriberRepository, events <-chan ari.Event, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		ari:     ariClient,
		repo:    repo,
		events:  events,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.InterJobDelay), 1),
		stats:   NewBatchStats(),
		logger:  opts.Logger.With("subsystem", "outbound"),
	}
}

// Stats exposes the live batch counters for metrics scraping.
func (c *Controller) Stats() *BatchStats { return c.stats }

// Run executes one batch and returns once every due job reached a
// terminal state. A non-nil error means the batch aborted early.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.preflight(ctx); err != nil {
		return err
	}

	subs, err := c.repo.ListDue(ctx)
	if err != nil {
		return fmt.Errorf("loading due subscribers: %w", err)
	}

	day := c.opts.Now().Day()
	c.logger.Info("batch loaded", "candidates", len(subs), "day", day)

	for _, sub := range subs {
		phone, rec, due := c.eligible(sub, day)
		if !due {
			continue
		}
		if rec != nil {
			c.stats.record(*rec)
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			c.logSummary()
			return fmt.Errorf("batch cancelled: %w", err)
		}
		c.stats.record(c.runJob(ctx, sub, phone))
	}

	c.logSummary()
	return nil
}

// eligible applies the cut-day window and phone validation. A
// subscriber outside the window is silently excluded; one with a bad
// phone is recorded as skipped.
func (c *Controller) eligible(sub models.Subscriber, day int) (phone string, rec *JobRecord, due bool) {
	cut, err := ParseCutDay(sub.CutDay)
	if err != nil {
		c.logger.Warn("unparsable cut day", "subscriber_id", sub.ID, "cut_day", sub.CutDay)
		return "", nil, false
	}
	if !DueByCutDay(day, cut) {
		return "", nil, false
	}
	if sub.Attempts >= c.opts.MaxAttempts {
		c.logger.Info("attempts exhausted", "subscriber_id", sub.ID, "attempts", sub.Attempts)
		return "", &JobRecord{
			SubscriberID: sub.ID,
			Phone:        sub.Phone,
			Status:       StatusSkipped,
			Reason:       ReasonMaxAttempts,
			Attempts:     sub.Attempts,
		}, true
	}
	phone, err = NormalizePhone(sub.Phone)
	if err != nil {
		c.logger.Warn("invalid phone", "subscriber_id", sub.ID, "error", err)
		return "", &JobRecord{
			SubscriberID: sub.ID,
			Phone:        sub.Phone,
			Status:       StatusSkipped,
			Reason:       ReasonInvalidPhone,
			Attempts:     sub.Attempts,
		}, true
	}
	return phone, nil, true
}

// preflight verifies ARI is reachable and clears channels left over
// from a previous run, the usual cause of "Allocation failed".
func (c *Controller) preflight(ctx context.Context) error {
	info, err := c.ari.Info(ctx)
	if err != nil {
		return fmt.Errorf("asterisk unreachable: %w", err)
	}
	c.logger.Info("asterisk reachable", "version", info.System.Version)

	channels, err := c.ari.ListChannels(ctx)
	if err != nil {
		c.logger.Warn("listing channels for stale sweep", "error", err)
		return nil
	}
	for _, ch := range channels {
		stale := ch.State == "Down" || ch.State == "Reserved" ||
			(ch.Dialplan.AppName == "Stasis" && strings.Contains(ch.Dialplan.AppData, c.opts.App))
		if !stale {
			continue
		}
		if err := c.ari.Hangup(ctx, ch.ID); err != nil {
			c.logger.Warn("hangup stale channel", "channel_id", ch.ID, "error", err)
			continue
		}
		c.logger.Info("stale channel cleared", "channel_id", ch.ID, "state", ch.State)
	}
	return nil
}

// runJob drives one subscriber to a terminal state, retrying up to
// MaxAttempts within the per-job deadline.
func (c *Controller) runJob(ctx context.Context, sub models.Subscriber, phone string) JobRecord {
	jobCtx, cancel := context.WithTimeout(ctx, c.opts.PerJobTimeout)
	defer cancel()

	logger := c.logger.With("subscriber_id", sub.ID, "phone", phone)
	start := time.Now()
	rec := JobRecord{SubscriberID: sub.ID, Phone: phone, Attempts: sub.Attempts}

	marked := false
	attempts := sub.Attempts
	for attempts < c.opts.MaxAttempts {
		attempts++
		rec.Attempts = attempts
		logger.Info("attempt starting", "attempt", attempts, "max", c.opts.MaxAttempts)

		onAudioStarted := func() {
			if marked {
				return
			}
			marked = true
			if err := c.repo.MarkSent(jobCtx, sub.ID, attempts); err != nil {
				logger.Error("marking subscriber sent", "error", err)
			}
		}
		res := c.attempt(jobCtx, logger, phone, sub.ID, attempts, onAudioStarted)
		rec.Status = res.status
		rec.Reason = res.reason
		rec.AudioPlayed = rec.AudioPlayed || res.audioStarted
		rec.ForcedAudio = rec.ForcedAudio || res.forced

		if res.status == StatusCompleted {
			break
		}
		if res.reason == ReasonAllocationFailed {
			logger.Warn("allocation failed, backing off", "backoff", c.opts.AllocationBackoff)
			sleepCtx(jobCtx, c.opts.AllocationBackoff)
		}
		if jobCtx.Err() != nil {
			rec.Status = StatusTimeout
			rec.Reason = ReasonJobTimeout
			break
		}
		if attempts < c.opts.MaxAttempts {
			logger.Info("retrying", "delay", c.opts.RetryDelay)
			if !sleepCtx(jobCtx, c.opts.RetryDelay) {
				rec.Status = StatusTimeout
				rec.Reason = ReasonJobTimeout
				break
			}
		}
	}

	if !marked {
		if err := c.repo.RecordAttempt(ctx, sub.ID, attempts); err != nil {
			logger.Error("recording attempts", "error", err)
		}
	}

	rec.Duration = time.Since(start)
	logger.Info("job finished", "status", rec.Status, "reason", rec.Reason,
		"attempts", rec.Attempts, "audio_played", rec.AudioPlayed,
		"forced_audio", rec.ForcedAudio, "duration", rec.Duration)
	return rec
}

type attemptResult struct {
	status       Status
	reason       Reason
	audioStarted bool
	forced       bool
}

// attempt originates one call and follows its events to a terminal
// state.
func (c *Controller) attempt(ctx context.Context, logger *slog.Logger, phone string, subID int64, attempt int, onAudioStarted func()) attemptResult {
	channelID := fmt.Sprintf("overdue-%d-%d-%s", subID, attempt, uuid.NewString()[:8])

	_, err := c.ari.Originate(ctx, ari.OriginateRequest{
		Endpoint:  fmt.Sprintf(c.opts.EndpointFormat, phone),
		App:       c.opts.App,
		AppArgs:   strconv.FormatInt(subID, 10),
		CallerID:  c.opts.CallerID,
		ChannelID: channelID,
		Timeout:   int(c.opts.CallTimeout / time.Second),
	})
	if err != nil {
		if errors.Is(err, ari.ErrAllocationFailed) {
			return attemptResult{status: StatusFailed, reason: ReasonAllocationFailed}
		}
		logger.Warn("origination failed", "error", err)
		return attemptResult{status: StatusFailed, reason: ReasonOriginateFailed}
	}

	state := StatusInitiated
	audioStarted := false
	forced := false

	hangup := func() {
		if err := c.ari.Hangup(context.Background(), channelID); err != nil {
			logger.Warn("hangup", "channel_id", channelID, "error", err)
		}
	}

	dialTimer := time.NewTimer(c.opts.CallTimeout)
	defer dialTimer.Stop()
	// Armed on answer.
	audioStartTimer := newStoppedTimer()
	defer audioStartTimer.Stop()
	silentTimer := newStoppedTimer()
	defer silentTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			hangup()
			return attemptResult{status: StatusTimeout, reason: ReasonJobTimeout, audioStarted: audioStarted, forced: forced}

		case <-dialTimer.C:
			if state == StatusInitiated || state == StatusRinging {
				logger.Warn("dial timeout", "channel_id", channelID)
				hangup()
				return attemptResult{status: StatusTimeout, reason: ReasonDialTimeout}
			}

		case <-audioStartTimer.C:
			if audioStarted {
				continue
			}
			// No playback confirmation. If the channel is gone the
			// attempt failed; if it is still up the playback is
			// assumed to be running with the event lost, and the
			// silent timer decides.
			ch, err := c.ari.GetChannel(ctx, channelID)
			if err != nil || ch.State != "Up" {
				logger.Warn("no playback confirmation", "channel_id", channelID)
				hangup()
				return attemptResult{status: StatusAudioFailed, reason: ReasonAudioStartTimeout}
			}
			logger.Warn("playback unconfirmed but channel up, holding", "channel_id", channelID)

		case <-silentTimer.C:
			// A confirmed playback runs to PlaybackFinished; the silent
			// window only covers the unconfirmed case.
			if audioStarted || (state != StatusAnswered && state != StatusAudioPlaying) {
				continue
			}
			// Silent-call fallback: assume the announcement played and
			// the confirmation was lost. Counted so it shows up in
			// metrics.
			logger.Warn("silent call, forcing audio started", "channel_id", channelID)
			audioStarted = true
			forced = true
			onAudioStarted()
			hangup()
			return attemptResult{status: StatusCompleted, audioStarted: true, forced: true}

		case ev, ok := <-c.events:
			if !ok {
				hangup()
				return attemptResult{status: StatusFailed, reason: ReasonChannelDestroyed, audioStarted: audioStarted, forced: forced}
			}
			if !eventFor(ev, channelID) {
				continue
			}
			switch ev.Type {
			case ari.EventDial:
				if ev.DialStatus == "RINGING" && state == StatusInitiated {
					state = StatusRinging
					logger.Info("ringing", "channel_id", channelID)
				}

			case ari.EventStasisStart:
				state = StatusAnswered
				logger.Info("answered", "channel_id", channelID)
				if _, err := c.ari.Play(ctx, channelID, c.opts.Media); err != nil {
					logger.Error("playback request failed", "error", err)
					hangup()
					return attemptResult{status: StatusAudioFailed, reason: ReasonPlayFailed}
				}
				audioStartTimer.Reset(c.opts.AudioStartTimeout)
				silentTimer.Reset(c.opts.MaxSilent)

			case ari.EventPlaybackStarted:
				if state != StatusAnswered {
					continue
				}
				state = StatusAudioPlaying
				audioStarted = true
				logger.Info("playback started", "channel_id", channelID)
				onAudioStarted()

			case ari.EventPlaybackFinished:
				logger.Info("playback finished", "channel_id", channelID)
				hangup()
				return attemptResult{status: StatusCompleted, audioStarted: audioStarted, forced: forced}

			case ari.EventStasisEnd, ari.EventChannelDestroyed:
				if audioStarted {
					// Callee hung up mid-announcement; the message
					// still went out.
					return attemptResult{status: StatusCompleted, audioStarted: true, forced: forced}
				}
				logger.Warn("channel ended early", "channel_id", channelID, "state", state)
				return attemptResult{status: StatusFailed, reason: ReasonChannelDestroyed}
			}
		}
	}
}

// eventFor matches an event to the attempt's channel: directly, as the
// peer of a Dial event, or through a playback target URI.
func eventFor(ev ari.Event, channelID string) bool {
	if ev.Channel != nil && ev.Channel.ID == channelID {
		return true
	}
	if ev.Peer != nil && ev.Peer.ID == channelID {
		return true
	}
	if ev.Playback != nil && ev.Playback.TargetURI == "channel:"+channelID {
		return true
	}
	return false
}

// newStoppedTimer returns a timer that will not fire until Reset.
func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

// sleepCtx waits d unless ctx ends first; reports whether the full
// wait completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) logSummary() {
	total, successful, failed, skipped, forcedAudio := c.stats.Totals()
	c.logger.Info("batch finished",
		"total", total,
		"successful", successful,
		"failed", failed,
		"skipped", skipped,
		"forced_audio", forcedAudio,
		"elapsed", c.stats.Elapsed())
}
