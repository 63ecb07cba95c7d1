package mail

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPOP3Poller(drop *fakeMaildrop) *POP3Poller {
	endpoint := Endpoint{Addr: "pop.example.com:995", Security: SecurityTLS}
	return NewPOP3Poller(testManager(), endpoint, connectorFor[IndexSession](drop, nil, nil), 0)
}

func TestPOP3Poller_Poll(t *testing.T) {
	tests := []struct {
		name      string
		messages  int
		want      int
		retrieved []int
	}{
		{name: "empty maildrop", messages: 0, want: 0, retrieved: nil},
		{name: "fewer than window", messages: 3, want: 3, retrieved: []int{0, 1, 2}},
		{name: "more than window", messages: 12, want: 5, retrieved: []int{0, 1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drop := newFakeMaildrop(tt.messages)

			summaries, err := newTestPOP3Poller(drop).Poll(context.Background())
			require.NoError(t, err)

			require.NotNil(t, summaries)
			assert.Len(t, summaries, tt.want)
			assert.Equal(t, tt.retrieved, drop.retrieved)
			assert.Equal(t, 1, drop.closes())
		})
	}
}

func TestPOP3Poller_PollParsesHeaders(t *testing.T) {
	drop := newFakeMaildrop(2)

	summaries, err := newTestPOP3Poller(drop).Poll(context.Background())
	require.NoError(t, err)

	require.Len(t, summaries, 2)
	assert.Equal(t, "Message 1", summaries[0].Subject)
	assert.Equal(t, "Sender <sender1@example.com>", summaries[0].From)
	assert.True(t, summaries[0].Date.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Message 2", summaries[1].Subject)
}

func TestPOP3Poller_PollFailures(t *testing.T) {
	t.Run("retrieval failure returns no partial list", func(t *testing.T) {
		drop := newFakeMaildrop(4)
		drop.failIndex = 2

		summaries, err := newTestPOP3Poller(drop).Poll(context.Background())

		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, RolePOP3, te.Role)
		assert.Equal(t, "fetch", te.Op)
		assert.Nil(t, summaries)
		assert.Equal(t, []int{0, 1, 2}, drop.retrieved)
		assert.Equal(t, 1, drop.closes())
	})

	t.Run("count failure", func(t *testing.T) {
		drop := newFakeMaildrop(3)
		drop.countErr = errors.New("-ERR maildrop locked")

		summaries, err := newTestPOP3Poller(drop).Poll(context.Background())

		require.Error(t, err)
		assert.Nil(t, summaries)
		assert.Empty(t, drop.retrieved)
		assert.Equal(t, 1, drop.closes())
	})

	t.Run("authentication failure", func(t *testing.T) {
		drop := newFakeMaildrop(3)
		drop.authErr = errors.New("-ERR invalid password")

		summaries, err := newTestPOP3Poller(drop).Poll(context.Background())

		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "authenticate", te.Op)
		assert.Nil(t, summaries)
	})
}

func TestEntitySummary(t *testing.T) {
	t.Run("encoded subject and bad date", func(t *testing.T) {
		raw := "From: =?utf-8?q?J=C3=BCrgen?= <j@example.com>\r\n" +
			"Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=\r\n" +
			"Date: not a date\r\n" +
			"\r\n" +
			"body\r\n"
		entity, err := message.Read(strings.NewReader(raw))
		require.NoError(t, err)

		summary := entitySummary(entity)

		assert.Equal(t, "Grüße", summary.Subject)
		assert.Equal(t, "Jürgen <j@example.com>", summary.From)
		assert.True(t, summary.Date.IsZero())
	})

	t.Run("unparseable from is kept raw", func(t *testing.T) {
		raw := "From: not an address\r\nSubject: Hi\r\n\r\nbody\r\n"
		entity, err := message.Read(strings.NewReader(raw))
		require.NoError(t, err)

		summary := entitySummary(entity)

		assert.Equal(t, "not an address", summary.From)
		assert.Equal(t, "Hi", summary.Subject)
	})
}

func TestPOP3Poller_WindowIsCapped(t *testing.T) {
	tests := []struct {
		name   string
		window int
		want   int
	}{
		{name: "smaller window", window: 2, want: 2},
		{name: "above cap", window: 50, want: DefaultWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drop := newFakeMaildrop(12)
			endpoint := Endpoint{Addr: "pop.example.com:995", Security: SecurityTLS}
			poller := NewPOP3Poller(testManager(), endpoint, connectorFor[IndexSession](drop, nil, nil), tt.window)

			summaries, err := poller.Poll(context.Background())
			require.NoError(t, err)
			assert.Len(t, summaries, tt.want)
		})
	}
}
