package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
)

var errBoom = errors.New("boom")

// fakeConn records lifecycle calls made by the session manager.
type fakeConn struct {
	mu         sync.Mutex
	authErr    error
	authCalls  int
	closeCalls int
	aborted    chan struct{}
	abortOnce  sync.Once
	username   string
	password   string
}

func newFakeConn() *fakeConn {
	return &fakeConn{aborted: make(chan struct{})}
}

func (c *fakeConn) Authenticate(username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authCalls++
	c.username = username
	c.password = password
	return c.authErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func (c *fakeConn) Abort() {
	c.abortOnce.Do(func() { close(c.aborted) })
}

func (c *fakeConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// dialCounter counts connection attempts for a connector.
type dialCounter struct {
	mu    sync.Mutex
	dials int
}

func (d *dialCounter) inc() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
}

func (d *dialCounter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func connectorFor[C Conn](session C, dialErr error, counter *dialCounter) Connector[C] {
	return func(ctx context.Context, ep Endpoint) (C, error) {
		if counter != nil {
			counter.inc()
		}
		var zero C
		if dialErr != nil {
			return zero, dialErr
		}
		return session, nil
	}
}

type fakeSubmission struct {
	*fakeConn
	sendErr error
	from    string
	to      []string
	data    []byte
}

func (s *fakeSubmission) Send(from string, to []string, r io.Reader) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.from = from
	s.to = to
	s.data = data
	return nil
}

// fakeFolder serves envelopes for messages 1..len(envelopes).
type fakeFolder struct {
	*fakeConn
	envelopes []*imap.Envelope
	selectErr error
	// failAfter > 0 makes the fetch fail after that many envelopes were delivered.
	failAfter int
	selected  string
	readOnly  bool
	fetched   bool
}

func (f *fakeFolder) SelectReadOnly(folder string) (uint32, error) {
	if f.selectErr != nil {
		return 0, f.selectErr
	}
	f.selected = folder
	f.readOnly = true
	return uint32(len(f.envelopes)), nil
}

func (f *fakeFolder) FetchEnvelopes(seqSet *imap.SeqSet, fn func(*imap.Envelope)) error {
	f.fetched = true
	for i, env := range f.envelopes {
		if f.failAfter > 0 && i == f.failAfter {
			return fmt.Errorf("failed to fetch messages: %w", errBoom)
		}
		if seqSet.Contains(uint32(i + 1)) {
			fn(env)
		}
	}
	return nil
}

func newFakeFolder(n int) *fakeFolder {
	f := &fakeFolder{fakeConn: newFakeConn()}
	for i := 1; i <= n; i++ {
		f.envelopes = append(f.envelopes, &imap.Envelope{
			Subject: fmt.Sprintf("Message %d", i),
			Date:    time.Date(2024, 1, i, 9, 0, 0, 0, time.UTC),
			From: []*imap.Address{{
				PersonalName: "Sender",
				MailboxName:  fmt.Sprintf("sender%d", i),
				HostName:     "example.com",
			}},
		})
	}
	return f
}

// fakeMaildrop serves raw RFC 5322 messages by zero-based index.
type fakeMaildrop struct {
	*fakeConn
	messages  []string
	countErr  error
	failIndex int
	retrieved []int
}

func (m *fakeMaildrop) Count() (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return len(m.messages), nil
}

func (m *fakeMaildrop) Retrieve(index int) (*message.Entity, error) {
	m.retrieved = append(m.retrieved, index)
	if m.failIndex >= 0 && index == m.failIndex {
		return nil, fmt.Errorf("failed to retrieve message %d: %w", index+1, errBoom)
	}
	return message.Read(strings.NewReader(m.messages[index]))
}

func newFakeMaildrop(n int) *fakeMaildrop {
	m := &fakeMaildrop{fakeConn: newFakeConn(), failIndex: -1}
	for i := 1; i <= n; i++ {
		m.messages = append(m.messages, rawMessage(
			fmt.Sprintf("Message %d", i),
			fmt.Sprintf("Sender <sender%d@example.com>", i),
			time.Date(2024, 1, i, 9, 0, 0, 0, time.UTC),
		))
	}
	return m
}

func rawMessage(subject, from string, date time.Time) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: tasks@example.com\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "\r\n")
	fmt.Fprintf(&b, "Body of %s.\r\n", subject)
	return b.String()
}

func testCredentials() Credentials {
	return Credentials{
		Host:           "smtp.example.com",
		Port:           587,
		SenderEmail:    "tasks@example.com",
		SenderPassword: "secret",
		SenderName:     "Task Tracker",
	}
}

func testManager() *SessionManager {
	opts := DefaultSessionOptions()
	opts.OperationTimeout = 2 * time.Second
	return NewSessionManager(opts, testCredentials())
}
