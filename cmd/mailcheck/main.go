// Command mailcheck exercises the mail core from the command line: it polls
// the configured mailbox over IMAP or POP3, or sends a single notification.
// It reads the same TASKMAIL_* configuration as the server.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/taskmail/taskmail/internal/config"
	"github.com/taskmail/taskmail/internal/logging"
	"github.com/taskmail/taskmail/internal/mail"
	"github.com/taskmail/taskmail/internal/models"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Error())
			os.Exit(exitErr.ExitCode())
		}
		log.Fatal(err)
	}
}

type cliConfig struct {
	LogLevel  string
	LogFormat string
	IMAPAddr  string
	POP3Addr  string
	Window    int
}

func newApp(out io.Writer) *cli.App {
	cfg := &cliConfig{}

	return &cli.App{
		Name:  "mailcheck",
		Usage: "check mail connectivity with the task service settings",
		// Exit codes are applied in main so Run always returns.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "logging level",
				EnvVars:     []string{"TASKMAIL_LOG_LEVEL"},
				Destination: &cfg.LogLevel,
				Value:       "warn",
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "logging format (text/json)",
				EnvVars:     []string{"TASKMAIL_LOG_FORMAT"},
				Destination: &cfg.LogFormat,
				Value:       "text",
			},
			&cli.StringFlag{
				Name:        "imap-addr",
				Usage:       "override the IMAP server address (host:port)",
				Destination: &cfg.IMAPAddr,
			},
			&cli.StringFlag{
				Name:        "pop3-addr",
				Usage:       "override the POP3 server address (host:port)",
				Destination: &cfg.POP3Addr,
			},
			&cli.IntFlag{
				Name:        "window",
				Usage:       "number of messages to list",
				Destination: &cfg.Window,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "imap",
				Usage: "list recent INBOX messages over IMAP",
				Action: func(c *cli.Context) error {
					components, err := cfg.components()
					if err != nil {
						return err
					}
					summaries, err := components.IMAP.Poll(c.Context)
					if err != nil {
						return err
					}
					return writeSummaries(out, summaries)
				},
			},
			{
				Name:  "pop3",
				Usage: "list recent maildrop messages over POP3",
				Action: func(c *cli.Context) error {
					components, err := cfg.components()
					if err != nil {
						return err
					}
					summaries, err := components.POP3.Poll(c.Context)
					if err != nil {
						return err
					}
					return writeSummaries(out, summaries)
				},
			},
			{
				Name:      "send",
				Usage:     "send one notification",
				ArgsUsage: "<recipient>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Usage: "task title", Value: "Connectivity check"},
					&cli.StringFlag{Name: "reason", Usage: "created, updated or reminder", Value: string(models.ReasonReminder)},
				},
				Action: func(c *cli.Context) error {
					recipient := c.Args().First()
					if recipient == "" {
						return cli.Exit("a recipient address is required", 2)
					}
					components, err := cfg.components()
					if err != nil {
						return err
					}
					err = components.Notifier.Notify(c.Context, models.NotificationRequest{
						TaskTitle:        c.String("title"),
						RecipientAddress: recipient,
						Reason:           models.Reason(c.String("reason")),
					})
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(out, "Email sent to %s\n", recipient)
					return err
				},
			},
		},
	}
}

// components loads the shared configuration, applies flag overrides and
// builds the mail core.
func (c *cliConfig) components() (*mail.Components, error) {
	logging.Setup(c.LogLevel, c.LogFormat, os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.IMAPAddr != "" {
		cfg.IMAPAddr = c.IMAPAddr
	}
	if c.POP3Addr != "" {
		cfg.POP3Addr = c.POP3Addr
	}
	if c.Window > 0 {
		cfg.MailboxWindowSize = c.Window
	}
	if err := cfg.ValidateMail(); err != nil {
		return nil, err
	}

	return mail.NewComponents(cfg)
}

func writeSummaries(out io.Writer, summaries []models.MessageSummary) error {
	if summaries == nil {
		summaries = []models.MessageSummary{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}
