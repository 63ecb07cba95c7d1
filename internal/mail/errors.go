package mail

import "fmt"

// Role identifies what a transport session is used for.
type Role string

const (
	RoleSubmission Role = "smtp"
	RoleIMAP       Role = "imap"
	RolePOP3       Role = "pop3"
)

// TransportError reports a failure talking to a mail server. Connect, TLS,
// authentication and protocol failures all surface as this type; the
// underlying cause is available through errors.Unwrap.
type TransportError struct {
	Role Role
	Host string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed (%s): %v", e.Role, e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
