package email

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/mixelka/verifymail/internal/parser"
)

const (
	// DefaultBackoff is the pause between two polling attempts
	DefaultBackoff = 3 * time.Second
	// DefaultRecentWindow bounds how old a message may be and still carry a fresh code
	DefaultRecentWindow = 2 * time.Minute
)

// Dialer opens a connected mailbox with folder selected
type Dialer func(ctx context.Context, folder string) (Mailbox, error)

// Request describes one verification code lookup
type Request struct {
	Recipient string
	Sender    string
	MaxWait   time.Duration
	SentAfter *time.Time // optional watermark
}

// Result is a found code and where it came from
type Result struct {
	Code       string
	Folder     string
	Strategy   string
	UID        uint32
	ReceivedAt time.Time
	Attempts   int
	Elapsed    time.Duration
}

// Manager polls a mailbox for verification codes
type Manager struct {
	dial       Dialer
	normalizer *parser.BodyNormalizer
	detector   *parser.CodeDetector
	logger     *slog.Logger
	folders    []string
	strategies []SearchStrategy
	backoff    time.Duration
	recent     time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Manager
type Option func(*Manager)

// WithDialer replaces the IMAP dialer
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleeper overrides the backoff wait
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithBackoff sets the pause between attempts
func WithBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.backoff = d
		}
	}
}

// WithRecentWindow sets the staleness guard
func WithRecentWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.recent = d
		}
	}
}

// WithFolders overrides the folder search order
func WithFolders(folders ...string) Option {
	return func(m *Manager) {
		if len(folders) > 0 {
			m.folders = folders
		}
	}
}

// NewManager creates a new poll manager for the mailbox described by cfg
func NewManager(cfg ClientConfig, normalizer *parser.BodyNormalizer, detector *parser.CodeDetector, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		normalizer: normalizer,
		detector:   detector,
		logger:     logger.With("component", "email_manager"),
		folders:    SearchFolders,
		strategies: Strategies,
		backoff:    DefaultBackoff,
		recent:     DefaultRecentWindow,
		now:        time.Now,
		sleep:      sleepContext,
	}
	m.dial = func(ctx context.Context, folder string) (Mailbox, error) {
		s := NewSession(cfg, logger)
		if err := s.Connect(ctx, folder); err != nil {
			return nil, err
		}
		return s, nil
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// GetVerificationCode waits up to maxWait for a code sent by sender to recipient.
// sentAfter may be nil.
func (m *Manager) GetVerificationCode(ctx context.Context, recipient string, maxWait time.Duration, sender string, sentAfter *time.Time) (string, error) {
	res, err := m.Poll(ctx, Request{
		Recipient: recipient,
		Sender:    sender,
		MaxWait:   maxWait,
		SentAfter: sentAfter,
	})
	if err != nil {
		return "", err
	}
	return res.Code, nil
}

// ListFolders connects and returns the folder names the server reports
func (m *Manager) ListFolders(ctx context.Context) ([]string, error) {
	mbox, err := m.dial(ctx, "INBOX")
	if err != nil {
		return nil, err
	}
	defer mbox.Disconnect()

	return mbox.ListFolders(ctx), nil
}

// Poll searches all folders with all strategies until a code is found or MaxWait elapses.
// Only connection failures, timeouts and context cancellation are returned.
func (m *Manager) Poll(ctx context.Context, req Request) (*Result, error) {
	start := m.now()
	logger := m.logger.With("recipient", req.Recipient, "sender", req.Sender)

	mbox, err := m.dial(ctx, "INBOX")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := mbox.Disconnect(); err != nil {
			logger.Debug("failed to disconnect", "error", err)
		}
	}()

	for attempt := 1; ; attempt++ {
		logger.Debug("poll attempt", "attempt", attempt)

		res, err := m.attempt(ctx, logger, mbox, req)
		if err != nil {
			return nil, err
		}
		if res != nil {
			res.Attempts = attempt
			res.Elapsed = m.now().Sub(start)
			logger.Info("verification code found",
				"folder", res.Folder,
				"strategy", res.Strategy,
				"attempts", attempt,
				"elapsed", res.Elapsed,
			)
			return res, nil
		}

		elapsed := m.now().Sub(start)
		if elapsed >= req.MaxWait {
			logger.Warn("verification code not found", "attempts", attempt, "elapsed", elapsed)
			return nil, &TimeoutError{Elapsed: elapsed, Limit: req.MaxWait}
		}

		logger.Debug("no code found yet, waiting", "backoff", m.backoff)
		if err := m.sleep(ctx, m.backoff); err != nil {
			return nil, err
		}
	}
}

// attempt makes one pass over every folder and strategy. A nil result means nothing was found.
func (m *Manager) attempt(ctx context.Context, logger *slog.Logger, mbox Mailbox, req Request) (*Result, error) {
	for _, folder := range m.folders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := mbox.SwitchFolder(ctx, folder); err != nil {
			logger.Debug("skipping folder", "folder", folder, "error", err)
			continue
		}

		for _, strategy := range m.strategies {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			res := m.tryStrategy(ctx, logger.With("folder", folder, "strategy", strategy.Label), mbox, folder, strategy, req)
			if res != nil {
				return res, nil
			}
		}
	}
	return nil, nil
}

func (m *Manager) tryStrategy(ctx context.Context, logger *slog.Logger, mbox Mailbox, folder string, strategy SearchStrategy, req Request) *Result {
	hits, err := mbox.Search(ctx, strategy.Criteria(req.Sender, req.Recipient, m.now()))
	if err != nil {
		logger.Warn("search failed", "error", searchFailure(err, folder, strategy.Label))
		return nil
	}
	if len(hits) == 0 {
		return nil
	}
	logger.Debug("found messages", "count", len(hits))

	candidate := selectCandidate(hits, m.now(), m.recent, req.SentAfter)
	if candidate == nil {
		logger.Debug("no recent messages", "window", m.recent, "watermark", req.SentAfter != nil)
		return nil
	}

	raw, err := mbox.FetchBody(ctx, candidate.UID)
	if err != nil {
		logger.Warn("fetch failed", "uid", candidate.UID, "error", err)
		return nil
	}

	text := m.normalizer.Normalize(raw.Text, raw.Full)
	logger.Debug("checking message",
		"uid", candidate.UID,
		"from", raw.From,
		"to", raw.To,
		"subject", raw.Subject,
		"date", candidate.Date,
		"body_length", len(text),
		"preview", preview(text, 300),
	)

	code, ok := m.detector.Extract(text)
	if !ok {
		logger.Debug("no code in message", "uid", candidate.UID)
		return nil
	}

	if err := mbox.MarkAsRead(ctx, candidate.UID); err != nil {
		logger.Warn("could not mark message as read", "uid", candidate.UID, "error", err)
	}

	return &Result{
		Code:       code,
		Folder:     folder,
		Strategy:   strategy.Label,
		UID:        candidate.UID,
		ReceivedAt: candidate.Date,
	}
}

// searchFailure labels a search error with the strategy that ran it
func searchFailure(err error, folder, label string) *SearchError {
	var se *SearchError
	if errors.As(err, &se) {
		labeled := *se
		labeled.Strategy = label
		return &labeled
	}
	return &SearchError{Folder: folder, Strategy: label, Err: err}
}

// selectCandidate returns the newest message received within window of now
// and not before sentAfter, or nil.
func selectCandidate(hits []*MessageSummary, now time.Time, window time.Duration, sentAfter *time.Time) *MessageSummary {
	sorted := make([]*MessageSummary, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.After(sorted[j].Date)
	})

	cutoff := now.Add(-window)
	for _, msg := range sorted {
		if msg.Date.IsZero() || msg.Date.Before(cutoff) {
			continue
		}
		if sentAfter != nil && msg.Date.Before(*sentAfter) {
			continue
		}
		return msg
	}
	return nil
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
