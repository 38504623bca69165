package email

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/verifymail/internal/parser"
)

const (
	testSender    = "info@crewsforge.com"
	testRecipient = "user@example.com"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type fakeMessage struct {
	uid  uint32
	from string
	to   string
	date time.Time
	seen bool
	text string
	full string
}

type searchCall struct {
	Folder   string
	Criteria Criteria
}

type fakeMailbox struct {
	mu          sync.Mutex
	folders     map[string][]*fakeMessage
	selected    string
	searchErr   map[string]error
	markErr     error
	switches    []string
	searches    []searchCall
	fetched     []uint32
	marked      []uint32
	disconnects int
}

func newFakeMailbox(folders map[string][]*fakeMessage) *fakeMailbox {
	return &fakeMailbox{folders: folders, searchErr: map[string]error{}}
}

func (f *fakeMailbox) SwitchFolder(_ context.Context, folder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switches = append(f.switches, folder)
	if _, ok := f.folders[folder]; !ok {
		return &FolderAccessError{Folder: folder, Err: errors.New("NO Mailbox doesn't exist")}
	}
	f.selected = folder
	return nil
}

func (f *fakeMailbox) ListFolders(context.Context) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.folders {
		out = append(out, name)
	}
	return out
}

func (f *fakeMailbox) Search(_ context.Context, c Criteria) ([]*MessageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, searchCall{Folder: f.selected, Criteria: c})
	if err := f.searchErr[f.selected]; err != nil {
		return nil, &SearchError{Folder: f.selected, Err: err}
	}

	var out []*MessageSummary
	for _, m := range f.folders[f.selected] {
		if c.Unseen && m.seen {
			continue
		}
		if c.From != "" && c.From != m.from {
			continue
		}
		if c.To != "" && c.To != m.to {
			continue
		}
		if !c.Since.IsZero() && m.date.Before(c.Since) {
			continue
		}
		out = append(out, &MessageSummary{UID: m.uid, Date: m.date, Folder: f.selected})
	}
	return out, nil
}

func (f *fakeMailbox) FetchBody(_ context.Context, uid uint32) (*RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, uid)
	for _, m := range f.folders[f.selected] {
		if m.uid == uid {
			return &RawMessage{UID: uid, From: m.from, To: m.to, Text: m.text, Full: m.full}, nil
		}
	}
	return nil, errors.New("no such message")
}

func (f *fakeMailbox) MarkAsRead(_ context.Context, uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, uid)
	if f.markErr != nil {
		return f.markErr
	}
	for _, m := range f.folders[f.selected] {
		if m.uid == uid {
			m.seen = true
		}
	}
	return nil
}

func (f *fakeMailbox) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(mbox Mailbox, clock *fakeClock, opts ...Option) *Manager {
	base := []Option{
		WithDialer(func(context.Context, string) (Mailbox, error) { return mbox, nil }),
		WithClock(clock.Now),
		WithSleeper(clock.Sleep),
	}
	return NewManager(ClientConfig{}, parser.NewBodyNormalizer(), parser.NewCodeDetector(), testLogger(), append(base, opts...)...)
}

func codeMessage(uid uint32, to string, age time.Duration, code string) *fakeMessage {
	return &fakeMessage{
		uid:  uid,
		from: testSender,
		to:   to,
		date: testNow.Add(-age),
		text: "Your verification code below: " + code + ". Do not share.",
	}
}

func TestManagerFindsCodeInSecondFolderWithSecondStrategy(t *testing.T) {
	// Recipient header does not match, so only UNSEEN + FROM finds it
	msg := codeMessage(42, "alias@example.com", 30*time.Second, "7G3K9P")
	mbox := newFakeMailbox(map[string][]*fakeMessage{
		"[Gmail]/Спам": {},
		"INBOX":        {msg},
	})
	clock := &fakeClock{now: testNow}
	m := newTestManager(mbox, clock)

	res, err := m.Poll(context.Background(), Request{Recipient: testRecipient, Sender: testSender, MaxWait: 30 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, "7G3K9P", res.Code)
	assert.Equal(t, "INBOX", res.Folder)
	assert.Equal(t, "UNSEEN + FROM", res.Strategy)
	assert.Equal(t, uint32(42), res.UID)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []uint32{42}, mbox.marked)
	assert.True(t, msg.seen)
	assert.Equal(t, 1, mbox.disconnects)
	assert.Empty(t, clock.sleeps)

	// All four strategies in the spam folder, then two in INBOX
	require.Len(t, mbox.searches, 6)
	for i, s := range mbox.searches[:4] {
		assert.Equal(t, "[Gmail]/Спам", s.Folder)
		assert.Equal(t, Strategies[i].Criteria(testSender, testRecipient, testNow), s.Criteria)
	}
	assert.Equal(t, "INBOX", mbox.searches[4].Folder)
	assert.Equal(t, "INBOX", mbox.searches[5].Folder)
}

func TestGetVerificationCode(t *testing.T) {
	mbox := newFakeMailbox(map[string][]*fakeMessage{
		"INBOX": {codeMessage(1, testRecipient, 10*time.Second, "ABC123")},
	})
	m := newTestManager(mbox, &fakeClock{now: testNow})

	code, err := m.GetVerificationCode(context.Background(), testRecipient, 30*time.Second, testSender, nil)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", code)
}

func TestManagerSkipsInaccessibleFolders(t *testing.T) {
	mbox := newFakeMailbox(map[string][]*fakeMessage{
		"Junk": {codeMessage(7, testRecipient, 5*time.Second, "Q7W8E9")},
	})
	m := newTestManager(mbox, &fakeClock{now: testNow})

	res, err := m.Poll(context.Background(), Request{Recipient: testRecipient, Sender: testSender, MaxWait: time.Second})
	require.NoError(t, err)

	assert.Equal(t, "Q7W8E9", res.Code)
	assert.Equal(t, "Junk", res.Folder)
	assert.Equal(t, SearchFolders, mbox.switches)
}

func TestManagerContinuesAfterSearchError(t *testing.T) {
	mbox := newFakeMailbox(map[string][]*fakeMessage{
		"[Gmail]/Спам": {codeMessage(1, testRecipient, 5*time.Second, "SPAM11")},
		"INBOX":        {codeMessage(2, testRecipient, 5*time.Second, "INBX22")},
	})
	mbox.searchErr["[Gmail]/Спам"] = errors.New("BAD search")
	m := newTestManager(mbox, &fakeClock{now: testNow})

	res, err := m.Poll(context.Background(), Request{Recipient: testRecipient, Sender: testSender, MaxWait: time.Second})
	require.NoError(t, err)

	assert.Equal(t, "INBX22", res.Code)
	assert.Equal(t, "UNSEEN + FROM + TO", res.Strategy)
}

func TestManagerLogsFailingStrategy(t *testing.T) {
	mbox := newFakeMailbox(map[string][]*fakeMessage{
		"INBOX": {codeMessage(2, testRecipient, 5*time.Second, "INBX22")},
	})
	mbox.searchErr["[Gmail]/Спам"] = errors.New("BAD search")
	clock := &fakeClock{now: testNow}

	var buf bytes.Buffer
	m := NewManager(ClientConfig{}, parser.NewBodyNormalizer(), parser.NewCodeDetector(),
		slog.New(slog.NewTextHandler(&buf, nil)),
		WithDialer(func(context.Context, string) (Mailbox, error) { return mbox, nil }),
		WithClock(clock.Now),
		WithSleeper(clock.Sleep),
	)

	_, err := m.Poll(context.Background(), Request{Recipient: testRecipient, Sender: testSender, MaxWait: time.Second})
	require.NoError(t, err)

	var failures []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `msg="search failed"`) {
			failures = append(failures, line)
		}
	}
	require.Len(t, failures, len(Strategies))
	for i, line := range failures {
		assert.Contains(t, line, `search \"`+Strategies[i].Label+`\"`)
		assert.Contains(t, line, "BAD search")
	}
}

func TestManagerMovesOnWhenMessageHasNoCode(t *testing.T) {
	noCode := codeMessage(1, testRecipient, 5*time.Second, "")
	noCode.text = "Welcome aboard, thanks for joining"
	mbox := newFakeMailbox(map[string][]*fakeMessage{
		"[Gmail]/Спам": {noCode},
		"INBOX":        {codeMessage(2, testRecipient, 5*time.Second, "K7Q2ZP")},
	})
	m := newTestManager(mbox, &fakeClock{now: testNow})

	res, err := m.Poll(context.Background(), Request{Recipient: testRecipient, Sender: testSender, MaxWait: time.Second})
	require.NoError(t, err)

	assert.Equal(t, "K7Q2ZP", res.Code)
	assert.Equal(t, []uint32{2}, mbox.marked)
	assert.False(t, noCode.seen)
}

func TestManagerPicksNewestMessage(t *testing.T) {
	mbox := newFakeMailbox(map[string][]*fakeMessage{
		"INBOX": {
			codeMessage(1, testRecipient, 60*time.Second, "OLD111"),
			codeMessage(3, testRecipient, 10*time.Second, "NEW333"),
			codeMessage(2, testRecipient, 30*time.Second, "MID222"),
		},
	})
	m := newTestManager(mbox, &fakeClock{now: testNow})

	res, err := m.Poll(context.Background(), Request{Recipient: testRecipient, Sender: testSender, MaxWait: time.Second})
	require.NoError(t, err)

	assert.Equal(t, "NEW333", res.Code)
	assert.Equal(t, []uint32{3}, mbox.fetched)
}

func TestManagerMarkReadFailureIsIgnored(t *testing.T) {
	mbox := newFakeMailbox(map[string][]*fakeMessage{
		"INBOX": {codeMessage(5, testRecipient, 5*time.Second, "ABC123")},
	})
	mbox.markErr = errors.New("NO read-only mailbox")
	m := newTestManager(mbox, &fakeClock{now: testNow})

	code, err := m.GetVerificationCode(context.Background(), testRecipient, time.Second, testSender, nil)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", code)
	assert.Equal(t, []uint32{5}, mbox.marked)
}

func TestManagerIgnoresStaleMessages(t *testing.T) {
	mbox := newFakeMailbox(map[string][]*fakeMessage{
		"INBOX": {codeMessage(1, testRecipient, 3*time.Minute, "ABC123")},
	})
	m := newTestManager(mbox, &fakeClock{now: testNow})

	_, err := m.GetVerificationCode(context.Background(), testRecipient, 0, testSender, nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Empty(t, mbox.fetched)
}

func TestManagerWatermark(t *testing.T) {
	sentAfter := testNow.Add(-45 * time.Second)

	t.Run("before watermark", func(t *testing.T) {
		mbox := newFakeMailbox(map[string][]*fakeMessage{
			"INBOX": {codeMessage(1, testRecipient, 60*time.Second, "ABC123")},
		})
		m := newTestManager(mbox, &fakeClock{now: testNow})

		_, err := m.GetVerificationCode(context.Background(), testRecipient, 0, testSender, &sentAfter)
		assert.True(t, IsTimeout(err))
	})

	t.Run("after watermark", func(t *testing.T) {
		mbox := newFakeMailbox(map[string][]*fakeMessage{
			"INBOX": {codeMessage(1, testRecipient, 30*time.Second, "ABC123")},
		})
		m := newTestManager(mbox, &fakeClock{now: testNow})

		code, err := m.GetVerificationCode(context.Background(), testRecipient, 0, testSender, &sentAfter)
		require.NoError(t, err)
		assert.Equal(t, "ABC123", code)
	})
}

func TestManagerTimeout(t *testing.T) {
	mbox := newFakeMailbox(map[string][]*fakeMessage{"INBOX": {}})
	clock := &fakeClock{now: testNow}
	m := newTestManager(mbox, clock)

	_, err := m.Poll(context.Background(), Request{Recipient: testRecipient, Sender: testSender, MaxWait: 10 * time.Second})
	require.Error(t, err)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 10*time.Second, te.Limit)
	assert.GreaterOrEqual(t, te.Elapsed, 10*time.Second)
	assert.LessOrEqual(t, te.Elapsed, 10*time.Second+DefaultBackoff)
	assert.Equal(t, []time.Duration{DefaultBackoff, DefaultBackoff, DefaultBackoff, DefaultBackoff}, clock.sleeps)
	assert.Equal(t, 1, mbox.disconnects)
	assert.Len(t, mbox.searches, 5*len(Strategies))
}

func TestManagerTimeoutWithRealClock(t *testing.T) {
	mbox := newFakeMailbox(map[string][]*fakeMessage{"INBOX": {}})
	m := NewManager(ClientConfig{}, parser.NewBodyNormalizer(), parser.NewCodeDetector(), testLogger(),
		WithDialer(func(context.Context, string) (Mailbox, error) { return mbox, nil }),
		WithBackoff(10*time.Millisecond),
	)

	start := time.Now()
	_, err := m.GetVerificationCode(context.Background(), testRecipient, 50*time.Millisecond, testSender, nil)
	elapsed := time.Since(start)

	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestManagerConnectionErrorIsFatal(t *testing.T) {
	dialErr := &ConnectionError{Server: "imap.example.com:993", Err: errors.New("authentication failed")}
	calls := 0
	m := NewManager(ClientConfig{}, parser.NewBodyNormalizer(), parser.NewCodeDetector(), testLogger(),
		WithDialer(func(context.Context, string) (Mailbox, error) {
			calls++
			return nil, dialErr
		}),
	)

	_, err := m.GetVerificationCode(context.Background(), testRecipient, time.Minute, testSender, nil)

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, calls)
	assert.False(t, IsTimeout(err))
}

func TestManagerStopsOnCancelledContext(t *testing.T) {
	mbox := newFakeMailbox(map[string][]*fakeMessage{
		"INBOX": {codeMessage(1, testRecipient, 5*time.Second, "ABC123")},
	})
	m := newTestManager(mbox, &fakeClock{now: testNow})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.GetVerificationCode(ctx, testRecipient, time.Minute, testSender, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, mbox.disconnects)
	assert.Empty(t, mbox.marked)
}

func TestManagerListFolders(t *testing.T) {
	mbox := newFakeMailbox(map[string][]*fakeMessage{"INBOX": {}})
	m := newTestManager(mbox, &fakeClock{now: testNow})

	folders, err := m.ListFolders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"INBOX"}, folders)
	assert.Equal(t, 1, mbox.disconnects)
}

func TestSelectCandidate(t *testing.T) {
	msg := func(uid uint32, age time.Duration) *MessageSummary {
		return &MessageSummary{UID: uid, Date: testNow.Add(-age)}
	}

	t.Run("recent window", func(t *testing.T) {
		assert.Nil(t, selectCandidate([]*MessageSummary{msg(1, 3*time.Minute)}, testNow, DefaultRecentWindow, nil))
		got := selectCandidate([]*MessageSummary{msg(1, 90*time.Second)}, testNow, DefaultRecentWindow, nil)
		require.NotNil(t, got)
		assert.Equal(t, uint32(1), got.UID)
	})

	t.Run("window boundary is inclusive", func(t *testing.T) {
		got := selectCandidate([]*MessageSummary{msg(1, DefaultRecentWindow)}, testNow, DefaultRecentWindow, nil)
		assert.NotNil(t, got)
	})

	t.Run("watermark", func(t *testing.T) {
		watermark := testNow.Add(-30 * time.Second)
		before := &MessageSummary{UID: 1, Date: watermark.Add(-time.Second)}
		after := &MessageSummary{UID: 2, Date: watermark.Add(time.Second)}

		assert.Nil(t, selectCandidate([]*MessageSummary{before}, testNow, DefaultRecentWindow, &watermark))
		got := selectCandidate([]*MessageSummary{before, after}, testNow, DefaultRecentWindow, &watermark)
		require.NotNil(t, got)
		assert.Equal(t, uint32(2), got.UID)
	})

	t.Run("missing date sorts last and is dropped", func(t *testing.T) {
		undated := &MessageSummary{UID: 9}
		got := selectCandidate([]*MessageSummary{undated, msg(1, 20*time.Second), msg(2, 10*time.Second)}, testNow, DefaultRecentWindow, nil)
		require.NotNil(t, got)
		assert.Equal(t, uint32(2), got.UID)

		assert.Nil(t, selectCandidate([]*MessageSummary{undated}, testNow, DefaultRecentWindow, nil))
	})

	t.Run("input order untouched", func(t *testing.T) {
		hits := []*MessageSummary{msg(1, 20*time.Second), msg(2, 10*time.Second)}
		selectCandidate(hits, testNow, DefaultRecentWindow, nil)
		assert.Equal(t, uint32(1), hits[0].UID)
	})
}
