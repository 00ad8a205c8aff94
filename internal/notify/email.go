package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends a plain text mail through an SMTP relay.
type Email struct {
	addr     string
	from     string
	to       []string
	auth     smtp.Auth
	sendMail sendMailFunc
}

func NewEmail(addr, from string, to []string, username, password string) (*Email, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing smtp address: %w", err)
	}
	if from == "" || len(to) == 0 {
		return nil, errors.New("email sink needs from and at least one recipient")
	}
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &Email{
		addr:     addr,
		from:     from,
		to:       append([]string(nil), to...),
		auth:     auth,
		sendMail: smtp.SendMail,
	}, nil
}

func (e *Email) Notify(ctx context.Context, event Event) error {
	msg := e.message(event)
	// net/smtp has no context support, the delivery runs until the server
	// gives up
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.sendMail(e.addr, e.auth, e.from, e.to, msg)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Email) message(event Event) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", e.from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", event.Subject())
	fmt.Fprintf(&buf, "Date: %s\r\n", event.Time.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(event.Text(), "\n", "\r\n"))
	return buf.Bytes()
}
