package email

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Mailbox is the remote mailbox facade used by the poll loop
type Mailbox interface {
	SwitchFolder(ctx context.Context, folder string) error
	ListFolders(ctx context.Context) []string
	Search(ctx context.Context, criteria Criteria) ([]*MessageSummary, error)
	FetchBody(ctx context.Context, uid uint32) (*RawMessage, error)
	MarkAsRead(ctx context.Context, uid uint32) error
	Disconnect() error
}

// MessageSummary is a search hit. Bodies are fetched separately with FetchBody.
type MessageSummary struct {
	UID    uint32
	Date   time.Time
	Folder string
}

// RawMessage holds the parts of a message needed for code extraction
type RawMessage struct {
	UID     uint32
	From    string
	To      string
	Subject string
	Text    string // BODY[TEXT]
	Full    string // BODY[]
}

// ClientConfig configuration for the IMAP session
type ClientConfig struct {
	User               string
	Password           string
	Host               string
	Port               int
	TLS                bool
	InsecureSkipVerify bool
	DialTimeout        time.Duration
}

// Addr returns host:port
func (c ClientConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Session is a single IMAP connection with one selected folder
type Session struct {
	config ClientConfig
	client *client.Client
	folder string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewSession creates an unconnected session
func NewSession(cfg ClientConfig, logger *slog.Logger) *Session {
	return &Session{
		config: cfg,
		logger: logger.With("user", cfg.User),
	}
}

// Connect dials the server, logs in and selects folder. On a connected session it
// only selects folder.
func (s *Session) Connect(ctx context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		if folder == s.folder {
			return nil
		}
		if _, err := s.client.Select(folder, false); err != nil {
			return &FolderAccessError{Folder: folder, Err: err}
		}
		s.folder = folder
		return nil
	}

	addr := s.config.Addr()
	s.logger.Debug("connecting to IMAP server", "server", addr, "tls", s.config.TLS)

	timeout := s.config.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	var err error
	if s.config.TLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				ServerName:         s.config.Host,
				InsecureSkipVerify: s.config.InsecureSkipVerify,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return &ConnectionError{Server: addr, Err: err}
	}

	imapClient, err := client.New(conn)
	if err != nil {
		conn.Close()
		return &ConnectionError{Server: addr, Err: fmt.Errorf("failed to create IMAP client: %w", err)}
	}

	if err := imapClient.Login(s.config.User, s.config.Password); err != nil {
		imapClient.Logout()
		return &ConnectionError{Server: addr, Err: fmt.Errorf("failed to login: %w", err)}
	}

	if _, err := imapClient.Select(folder, false); err != nil {
		imapClient.Logout()
		return &ConnectionError{Server: addr, Err: fmt.Errorf("failed to select %s: %w", folder, err)}
	}

	s.client = imapClient
	s.folder = folder
	s.logger.Debug("connected to IMAP server", "folder", folder)

	return nil
}

// Folder returns the currently selected folder
func (s *Session) Folder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folder
}

// SwitchFolder selects another folder read-write
func (s *Session) SwitchFolder(ctx context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return &FolderAccessError{Folder: folder, Err: ErrNotConnected}
	}

	if _, err := s.client.Select(folder, false); err != nil {
		return &FolderAccessError{Folder: folder, Err: err}
	}
	s.folder = folder

	return nil
}

// ListFolders returns every folder name on the server, or FallbackFolders if LIST fails
func (s *Session) ListFolders(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return fallbackFolders()
	}

	mailboxes := make(chan *imap.MailboxInfo, 20)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []string
	for m := range mailboxes {
		folders = append(folders, m.Name)
	}

	if err := <-done; err != nil {
		s.logger.Warn("cannot list folders, using common names", "error", err)
		return fallbackFolders()
	}
	if len(folders) == 0 {
		return fallbackFolders()
	}

	sort.Strings(folders)
	return folders
}

func toIMAPCriteria(c Criteria) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	if c.Unseen {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if c.From != "" {
		criteria.Header.Add("From", c.From)
	}
	if c.To != "" {
		criteria.Header.Add("To", c.To)
	}
	if !c.Since.IsZero() {
		criteria.Since = c.Since
	}
	return criteria
}

// Search runs UID SEARCH in the selected folder and fetches the internal date of every hit.
// Message flags are left untouched.
func (s *Session) Search(ctx context.Context, c Criteria) ([]*MessageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil, &SearchError{Folder: s.folder, Err: ErrNotConnected}
	}

	uids, err := s.client.UidSearch(toIMAPCriteria(c))
	if err != nil {
		return nil, &SearchError{Folder: s.folder, Err: err}
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate}
	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	summaries := make([]*MessageSummary, 0, len(uids))
	for msg := range messages {
		summaries = append(summaries, &MessageSummary{
			UID:    msg.Uid,
			Date:   msg.InternalDate,
			Folder: s.folder,
		})
	}

	if err := <-done; err != nil {
		return summaries, &SearchError{Folder: s.folder, Err: fmt.Errorf("failed to fetch: %w", err)}
	}

	return summaries, nil
}

// FetchBody fetches BODY.PEEK[TEXT] and BODY.PEEK[] for uid without setting \Seen
func (s *Session) FetchBody(ctx context.Context, uid uint32) (*RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil, ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	textSection := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
		Peek:         true,
	}
	fullSection := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, textSection.FetchItem(), fullSection.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var raw *RawMessage
	for msg := range messages {
		raw = &RawMessage{UID: msg.Uid}
		if body := msg.GetBody(textSection); body != nil {
			raw.Text = s.readSection(body, uid, "TEXT")
		}
		if body := msg.GetBody(fullSection); body != nil {
			raw.Full = s.readSection(body, uid, "FULL")
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("message %d not found", uid)
	}

	if err := fillHeader(raw); err != nil {
		s.logger.Debug("failed to parse header", "uid", uid, "error", err)
	}
	return raw, nil
}

// readSection returns what could be read from a body literal. A short read is logged
// and the partial text is still scanned.
func (s *Session) readSection(body io.Reader, uid uint32, section string) string {
	b, err := io.ReadAll(body)
	if err != nil {
		s.logger.Debug("failed to read body section", "uid", uid, "section", section, "read", len(b), "error", err)
	}
	return string(b)
}

// ParseRawMessage splits a complete RFC 5322 message into the parts FetchBody returns
func ParseRawMessage(full []byte) *RawMessage {
	raw := &RawMessage{Full: string(full)}

	br := bufio.NewReader(bytes.NewReader(full))
	if _, err := textproto.ReadHeader(br); err == nil {
		body, _ := io.ReadAll(br)
		raw.Text = string(body)
	}

	_ = fillHeader(raw)
	return raw
}

// fillHeader sets From, To and Subject from the full message
func fillHeader(raw *RawMessage) error {
	mr, err := mail.CreateReader(strings.NewReader(raw.Full))
	if err != nil {
		return err
	}
	defer mr.Close()

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		raw.From = from[0].Address
	}
	if to, err := mr.Header.AddressList("To"); err == nil && len(to) > 0 {
		raw.To = to[0].Address
	}
	if subject, err := mr.Header.Subject(); err == nil {
		raw.Subject = subject
	}
	return nil
}

// MarkAsRead marks a message as read (adds \Seen flag)
func (s *Session) MarkAsRead(ctx context.Context, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}

	if err := s.client.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark as read: %w", err)
	}

	return nil
}

// DeleteAll flags every message in the selected folder \Deleted and expunges.
// It returns the number of messages removed.
func (s *Session) DeleteAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return 0, ErrNotConnected
	}

	uids, err := s.client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return 0, fmt.Errorf("failed to search: %w", err)
	}
	if len(uids) == 0 {
		return 0, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}

	if err := s.client.UidStore(seqSet, item, flags, nil); err != nil {
		return 0, fmt.Errorf("failed to mark as deleted: %w", err)
	}

	if err := s.client.Expunge(nil); err != nil {
		return 0, fmt.Errorf("failed to expunge: %w", err)
	}

	return len(uids), nil
}

// Disconnect logs out. It is safe to call more than once, or without a prior Connect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	imapClient := s.client
	s.client = nil
	s.folder = ""
	s.mu.Unlock()

	if imapClient == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- imapClient.Logout()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		// Force close if logout takes too long
		return imapClient.Terminate()
	}
}
