package testutil

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestPOP3Server is a minimal POP3 maildrop speaking USER/PASS, STAT, LIST,
// RETR, NOOP, RSET and QUIT over plaintext TCP.
type TestPOP3Server struct {
	Address string

	mu       sync.Mutex
	messages []string
	// failRetr makes RETR of this 1-based message number answer -ERR.
	failRetr int
	username string
	password string
	listener net.Listener
	wg       sync.WaitGroup
}

// StartPOP3Server starts a POP3 server on addr that accepts only username/password.
func StartPOP3Server(addr, username, password string) (*TestPOP3Server, error) {
	return startPOP3Server(addr, username, password, nil)
}

// StartPOP3ServerTLS is StartPOP3Server with implicit TLS on the listener.
func StartPOP3ServerTLS(addr, username, password string, tlsConfig *tls.Config) (*TestPOP3Server, error) {
	return startPOP3Server(addr, username, password, tlsConfig)
}

func startPOP3Server(addr, username, password string, tlsConfig *tls.Config) (*TestPOP3Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	s := &TestPOP3Server{
		Address:  listener.Addr().String(),
		username: username,
		password: password,
		listener: listener,
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// NewTestPOP3Server starts a POP3 server on a random port and stops it when
// the test finishes.
func NewTestPOP3Server(t *testing.T, username, password string) *TestPOP3Server {
	t.Helper()

	s, err := StartPOP3Server("127.0.0.1:0", username, password)
	if err != nil {
		t.Fatalf("Failed to start POP3 server: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

// NewTestPOP3ServerTLS starts an implicit-TLS POP3 server with a self-signed
// certificate on a random port.
func NewTestPOP3ServerTLS(t *testing.T, username, password string) *TestPOP3Server {
	t.Helper()

	tlsConfig, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatalf("Failed to create TLS config: %v", err)
	}
	s, err := StartPOP3ServerTLS("127.0.0.1:0", username, password, tlsConfig)
	if err != nil {
		t.Fatalf("Failed to start POP3 server: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

// Close stops accepting connections and waits for open sessions to end.
func (s *TestPOP3Server) Close() {
	_ = s.listener.Close()
	s.wg.Wait()
}

// Deliver appends a plain-text message to the maildrop.
func (s *TestPOP3Server) Deliver(subject, from string, sentAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, RawMessage(subject, from, "tasks@example.com", sentAt))
}

// FailRetrieve makes RETR of the given 1-based message number fail. Zero disables it.
func (s *TestPOP3Server) FailRetrieve(number int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRetr = number
}

func (s *TestPOP3Server) snapshot() ([]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...), s.failRetr
}

func (s *TestPOP3Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *TestPOP3Server) serve(nc net.Conn) {
	defer nc.Close()
	_ = nc.SetDeadline(time.Now().Add(30 * time.Second))

	conn := textproto.NewConn(nc)
	reply := func(format string, args ...any) bool {
		return conn.PrintfLine(format, args...) == nil
	}

	if !reply("+OK POP3 test server ready") {
		return
	}

	var user string
	authenticated := false
	messages, failRetr := s.snapshot()

	for {
		line, err := conn.ReadLine()
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)

		if !authenticated {
			switch cmd {
			case "USER":
				user = arg
				reply("+OK")
			case "PASS":
				if user != s.username || arg != s.password {
					reply("-ERR invalid username or password")
					continue
				}
				authenticated = true
				// The maildrop is locked at login, like a real server.
				messages, failRetr = s.snapshot()
				reply("+OK maildrop locked and ready")
			case "QUIT":
				reply("+OK bye")
				return
			default:
				reply("-ERR authenticate first")
			}
			continue
		}

		switch cmd {
		case "STAT":
			size := 0
			for _, m := range messages {
				size += len(m)
			}
			reply("+OK %d %d", len(messages), size)
		case "LIST":
			w := conn.DotWriter()
			fmt.Fprintf(w, "+OK %d messages\n", len(messages))
			for i, m := range messages {
				fmt.Fprintf(w, "%d %d\n", i+1, len(m))
			}
			if w.Close() != nil {
				return
			}
		case "RETR":
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 || n > len(messages) {
				reply("-ERR no such message")
				continue
			}
			if n == failRetr {
				reply("-ERR message %d unavailable", n)
				continue
			}
			m := messages[n-1]
			// DotWriter converts line endings and dot-stuffs the body.
			w := conn.DotWriter()
			fmt.Fprintf(w, "+OK %d octets\n", len(m))
			body := bufio.NewWriter(w)
			_, _ = body.WriteString(strings.ReplaceAll(m, "\r\n", "\n"))
			_ = body.Flush()
			if w.Close() != nil {
				return
			}
		case "NOOP", "RSET":
			reply("+OK")
		case "QUIT":
			reply("+OK bye")
			return
		default:
			reply("-ERR unknown command")
		}
	}
}
