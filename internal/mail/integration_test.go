package mail

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmail/taskmail/internal/config"
	"github.com/taskmail/taskmail/internal/models"
	"github.com/taskmail/taskmail/internal/testutil"
)

const (
	integrationUser     = "tasks@example.com"
	integrationPassword = "secret"
)

type mailServers struct {
	smtp *testutil.TestSMTPServer
	imap *testutil.TestIMAPServer
	pop3 *testutil.TestPOP3Server
}

func startMailServers(t *testing.T) *mailServers {
	t.Helper()
	return &mailServers{
		smtp: testutil.NewTestSMTPServer(t, integrationUser, integrationPassword),
		imap: testutil.NewTestIMAPServer(t, integrationUser, integrationPassword),
		pop3: testutil.NewTestPOP3Server(t, integrationUser, integrationPassword),
	}
}

func (s *mailServers) config(t *testing.T, password string) *config.Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(s.smtp.Address)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &config.Config{
		SMTPHost:           host,
		SMTPPort:           port,
		SMTPSecurity:       "none",
		SenderEmail:        integrationUser,
		SenderPassword:     password,
		SenderName:         "Task Tracker",
		IMAPAddr:           s.imap.Address,
		IMAPSecurity:       "none",
		POP3Addr:           s.pop3.Address,
		POP3Security:       "none",
		ConnectTimeout:     5 * time.Second,
		AuthTimeout:        5 * time.Second,
		OperationTimeout:   10 * time.Second,
		MaxSessions:        4,
		MailboxWindowSize:  5,
		DefaultInboxFolder: "INBOX",
	}
}

func TestIntegration_Notify(t *testing.T) {
	servers := startMailServers(t)
	components, err := NewComponents(servers.config(t, integrationPassword))
	require.NoError(t, err)

	err = components.Notifier.Notify(context.Background(), models.NotificationRequest{
		TaskTitle:        "Pay invoice",
		RecipientAddress: "alice@example.com",
		Reason:           models.ReasonReminder,
	})
	require.NoError(t, err)

	messages := servers.smtp.GetMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, integrationUser, messages[0].From)
	assert.Equal(t, []string{"alice@example.com"}, messages[0].To)

	env, err := enmime.ReadEnvelope(bytes.NewReader(messages[0].Data))
	require.NoError(t, err)
	assert.Equal(t, "reminder: Pay invoice", env.GetHeader("Subject"))
	assert.Contains(t, env.Text, "Task: Pay invoice")
	assert.Contains(t, env.Text, "Status: Updated")
	assert.Contains(t, env.Text, "Sent at: ")
}

func TestIntegration_NotifyBadCredentials(t *testing.T) {
	servers := startMailServers(t)
	components, err := NewComponents(servers.config(t, "wrong"))
	require.NoError(t, err)

	err = components.Notifier.Notify(context.Background(), models.NotificationRequest{
		TaskTitle:        "Pay invoice",
		RecipientAddress: "alice@example.com",
		Reason:           models.ReasonCreated,
	})

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, RoleSubmission, te.Role)
	assert.Equal(t, "authenticate", te.Op)
	assert.Empty(t, servers.smtp.GetMessages())
}

func TestIntegration_Pollers(t *testing.T) {
	tests := []struct {
		name     string
		messages int
		want     int
	}{
		{name: "empty", messages: 0, want: 0},
		{name: "three", messages: 3, want: 3},
		{name: "twelve", messages: 12, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			servers := startMailServers(t)
			for i := 1; i <= tt.messages; i++ {
				sentAt := time.Date(2024, 2, i, 10, 0, 0, 0, time.UTC)
				subject := "Message " + strconv.Itoa(i)
				servers.imap.AddMessage(t, subject, "Sender <sender@example.com>", sentAt)
				servers.pop3.Deliver(subject, "Sender <sender@example.com>", sentAt)
			}

			components, err := NewComponents(servers.config(t, integrationPassword))
			require.NoError(t, err)

			imapSummaries, err := components.IMAP.Poll(context.Background())
			require.NoError(t, err)
			assert.Len(t, imapSummaries, tt.want)

			pop3Summaries, err := components.POP3.Poll(context.Background())
			require.NoError(t, err)
			assert.Len(t, pop3Summaries, tt.want)

			if tt.want > 0 {
				assert.Equal(t, "Message 1", imapSummaries[0].Subject)
				assert.Equal(t, "Sender <sender@example.com>", imapSummaries[0].From)
				assert.Equal(t, "Message 1", pop3Summaries[0].Subject)
				assert.Equal(t, "Sender <sender@example.com>", pop3Summaries[0].From)
				assert.True(t, pop3Summaries[0].Date.Equal(time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)))
			}
		})
	}
}

func TestIntegration_POP3RetrieveFailureDiscardsResults(t *testing.T) {
	servers := startMailServers(t)
	for i := 1; i <= 4; i++ {
		servers.pop3.Deliver("Message "+strconv.Itoa(i), "sender@example.com", time.Now())
	}
	servers.pop3.FailRetrieve(3)

	components, err := NewComponents(servers.config(t, integrationPassword))
	require.NoError(t, err)

	summaries, err := components.POP3.Poll(context.Background())

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, RolePOP3, te.Role)
	assert.Equal(t, "fetch", te.Op)
	assert.Nil(t, summaries)
}

func TestIntegration_IMAPBadCredentials(t *testing.T) {
	servers := startMailServers(t)
	components, err := NewComponents(servers.config(t, "wrong"))
	require.NoError(t, err)

	summaries, err := components.IMAP.Poll(context.Background())

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "authenticate", te.Op)
	assert.Nil(t, summaries)
}

func TestIntegration_UnreachableServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	cfg := &config.Config{
		SMTPHost: "127.0.0.1", SMTPPort: 1, SMTPSecurity: "none",
		SenderEmail: integrationUser, SenderPassword: integrationPassword,
		IMAPAddr: addr, IMAPSecurity: "none",
		POP3Addr: addr, POP3Security: "none",
		ConnectTimeout: time.Second, AuthTimeout: time.Second, OperationTimeout: time.Second,
		MaxSessions: 1,
	}
	components, err := NewComponents(cfg)
	require.NoError(t, err)

	_, err = components.IMAP.Poll(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "connect", te.Op)
	assert.Equal(t, addr, te.Host)

	_, err = components.POP3.Poll(context.Background())
	require.ErrorAs(t, err, &te)
	assert.Equal(t, RolePOP3, te.Role)
	assert.Equal(t, "connect", te.Op)
}

func TestIntegration_NotifyStartTLS(t *testing.T) {
	servers := startMailServers(t)
	servers.smtp = testutil.NewTestSMTPServerStartTLS(t, integrationUser, integrationPassword)

	cfg := servers.config(t, integrationPassword)
	cfg.SMTPSecurity = "starttls"
	cfg.TLSSkipVerify = true
	components, err := NewComponents(cfg)
	require.NoError(t, err)

	err = components.Notifier.Notify(context.Background(), models.NotificationRequest{
		TaskTitle:        "Renew domain",
		RecipientAddress: "alice@example.com",
		Reason:           models.ReasonCreated,
	})
	require.NoError(t, err)

	messages := servers.smtp.GetMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, []string{"alice@example.com"}, messages[0].To)
}

func TestIntegration_ImplicitTLSPollers(t *testing.T) {
	servers := startMailServers(t)
	servers.imap = testutil.NewTestIMAPServerTLS(t, integrationUser, integrationPassword)
	servers.pop3 = testutil.NewTestPOP3ServerTLS(t, integrationUser, integrationPassword)

	sentAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	servers.imap.AddMessage(t, "Quarterly report", "reports@example.com", sentAt)
	servers.pop3.Deliver("Quarterly report", "reports@example.com", sentAt)

	cfg := servers.config(t, integrationPassword)
	cfg.IMAPSecurity = "tls"
	cfg.POP3Security = "tls"
	cfg.TLSSkipVerify = true
	components, err := NewComponents(cfg)
	require.NoError(t, err)

	imapSummaries, err := components.IMAP.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, imapSummaries, 1)
	assert.Equal(t, "Quarterly report", imapSummaries[0].Subject)

	pop3Summaries, err := components.POP3.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, pop3Summaries, 1)
	assert.Equal(t, "Quarterly report", pop3Summaries[0].Subject)
}

func TestIntegration_ImplicitTLSRejectsUnverifiedCertificate(t *testing.T) {
	servers := startMailServers(t)
	servers.pop3 = testutil.NewTestPOP3ServerTLS(t, integrationUser, integrationPassword)

	cfg := servers.config(t, integrationPassword)
	cfg.POP3Security = "tls"
	components, err := NewComponents(cfg)
	require.NoError(t, err)

	summaries, err := components.POP3.Poll(context.Background())

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "connect", te.Op)
	assert.Nil(t, summaries)
}

// startStalledServer accepts connections, optionally writes greeting, and
// then never responds again.
func startStalledServer(t *testing.T, greeting string) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			if greeting != "" {
				_, _ = conn.Write([]byte(greeting))
			}
		}
	}()

	t.Cleanup(func() {
		_ = listener.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})

	return listener.Addr().String()
}

func TestIntegration_POP3StalledServer(t *testing.T) {
	tests := []struct {
		name     string
		greeting string
		wantOp   string
	}{
		{name: "no greeting", greeting: "", wantOp: "connect"},
		{name: "silent after greeting", greeting: "+OK ready\r\n", wantOp: "authenticate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := startStalledServer(t, tt.greeting)

			cfg := &config.Config{
				SMTPHost: "127.0.0.1", SMTPPort: 1, SMTPSecurity: "none",
				SenderEmail: integrationUser, SenderPassword: integrationPassword,
				IMAPAddr: addr, IMAPSecurity: "none",
				POP3Addr: addr, POP3Security: "none",
				ConnectTimeout:    200 * time.Millisecond,
				AuthTimeout:       200 * time.Millisecond,
				OperationTimeout:  200 * time.Millisecond,
				MaxSessions:       1,
				MailboxWindowSize: 5,
			}
			components, err := NewComponents(cfg)
			require.NoError(t, err)

			start := time.Now()
			summaries, err := components.POP3.Poll(context.Background())
			elapsed := time.Since(start)

			var te *TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, RolePOP3, te.Role)
			assert.Equal(t, tt.wantOp, te.Op)
			assert.Nil(t, summaries)
			assert.Less(t, elapsed, 3*time.Second)
		})
	}
}
