package main

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmail/taskmail/internal/models"
	"github.com/taskmail/taskmail/internal/testutil"
	"github.com/urfave/cli/v2"
)

const (
	testUser     = "tasks@example.com"
	testPassword = "secret"
)

func setMailEnv(t *testing.T) (*testutil.TestSMTPServer, *testutil.TestIMAPServer, *testutil.TestPOP3Server) {
	t.Helper()

	smtpServer := testutil.NewTestSMTPServer(t, testUser, testPassword)
	imapServer := testutil.NewTestIMAPServer(t, testUser, testPassword)
	pop3Server := testutil.NewTestPOP3Server(t, testUser, testPassword)

	host, port, err := net.SplitHostPort(smtpServer.Address)
	require.NoError(t, err)

	t.Setenv("TASKMAIL_ENV", "test")
	t.Setenv("TASKMAIL_SMTP_HOST", host)
	t.Setenv("TASKMAIL_SMTP_PORT", port)
	t.Setenv("TASKMAIL_SMTP_SECURITY", "none")
	t.Setenv("TASKMAIL_SMTP_SENDER_EMAIL", testUser)
	t.Setenv("TASKMAIL_SMTP_SENDER_PASSWORD", testPassword)
	t.Setenv("TASKMAIL_IMAP_ADDR", imapServer.Address)
	t.Setenv("TASKMAIL_IMAP_SECURITY", "none")
	t.Setenv("TASKMAIL_POP3_SECURITY", "none")

	return smtpServer, imapServer, pop3Server
}

func TestMailcheck_IMAP(t *testing.T) {
	_, imapServer, _ := setMailEnv(t)
	imapServer.AddMessage(t, "Hello", "Alice <alice@example.com>", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	var out bytes.Buffer
	err := newApp(&out).Run([]string{"mailcheck", "imap"})
	require.NoError(t, err)

	var summaries []models.MessageSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "Hello", summaries[0].Subject)
}

func TestMailcheck_POP3WithAddressFlag(t *testing.T) {
	_, _, pop3Server := setMailEnv(t)
	for i := 0; i < 7; i++ {
		pop3Server.Deliver("Report", "reports@example.com", time.Now())
	}

	var out bytes.Buffer
	err := newApp(&out).Run([]string{"mailcheck", "--pop3-addr", pop3Server.Address, "--window", "3", "pop3"})
	require.NoError(t, err)

	var summaries []models.MessageSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summaries))
	assert.Len(t, summaries, 3)
}

func TestMailcheck_Send(t *testing.T) {
	smtpServer, _, _ := setMailEnv(t)

	var out bytes.Buffer
	err := newApp(&out).Run([]string{"mailcheck", "send", "--title", "Pay invoice", "bob@example.com"})
	require.NoError(t, err)

	assert.Equal(t, "Email sent to bob@example.com\n", out.String())
	messages := smtpServer.GetMessages()
	require.Len(t, messages, 1)
	assert.Contains(t, string(messages[0].Data), "reminder: Pay invoice")
}

func TestMailcheck_SendRequiresRecipient(t *testing.T) {
	setMailEnv(t)

	var out bytes.Buffer
	err := newApp(&out).Run([]string{"mailcheck", "send"})

	var exitErr cli.ExitCoder
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode())
	assert.Empty(t, out.String())
}
