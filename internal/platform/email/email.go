package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"hrmpay/internal/domain/distribution"
	"hrmpay/internal/domain/payslip"
	"hrmpay/internal/platform/config"
)

// ErrNoAddress marks a recipient without a usable email address.
var ErrNoAddress = errors.New("recipient has no email address")

type noopMailer struct{}

func (noopMailer) Send(ctx context.Context, to distribution.Recipient, doc payslip.Document) error {
	if strings.TrimSpace(to.Email) == "" {
		return ErrNoAddress
	}
	return nil
}

type smtpMailer struct {
	cfg config.Config
}

// New returns the payslip notifier. With email disabled every well-addressed
// send is accepted without leaving the process.
func New(cfg config.Config) distribution.Notifier {
	if !cfg.EmailEnabled || cfg.SMTPHost == "" {
		return noopMailer{}
	}
	return &smtpMailer{cfg: cfg}
}

func (s *smtpMailer) Send(ctx context.Context, to distribution.Recipient, doc payslip.Document) error {
	if strings.TrimSpace(to.Email) == "" {
		return ErrNoAddress
	}
	if _, err := mail.ParseAddress(to.Email); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg, err := buildMessage(s.cfg.EmailFrom, to, doc)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.cfg.SMTPHost)
	if err != nil {
		return err
	}
	defer client.Close()

	if s.cfg.SMTPUseTLS {
		tlsConfig := &tls.Config{ServerName: s.cfg.SMTPHost}
		if err := client.StartTLS(tlsConfig); err != nil {
			return err
		}
	}

	if s.cfg.SMTPUser != "" {
		auth := smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, s.cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(s.cfg.EmailFrom); err != nil {
		return err
	}
	if err := client.Rcpt(to.Email); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return err
	}
	// Close returns once the server has accepted the message.
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from string, to distribution.Recipient, doc payslip.Document) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	period := doc.Metadata["period"]
	subject := "Your payslip"
	if period != "" {
		subject = "Your payslip for " + period
	}
	greeting := "Hello"
	if to.Name != "" {
		greeting = "Hello " + to.Name
	}

	textPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {`text/plain; charset="UTF-8"`},
		"Content-Transfer-Encoding": {"7bit"},
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(textPart, "%s,\r\n\r\nPlease find your payslip attached.\r\n", greeting)

	attachment, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {mime.FormatMediaType(doc.ContentType, map[string]string{"name": doc.Filename})},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": doc.Filename})},
	})
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(doc.Data)
	for len(encoded) > 76 {
		fmt.Fprintf(attachment, "%s\r\n", encoded[:76])
		encoded = encoded[76:]
	}
	fmt.Fprintf(attachment, "%s\r\n", encoded)
	if err := writer.Close(); err != nil {
		return nil, err
	}

	headers := []string{
		fmt.Sprintf("From: %s", from),
		fmt.Sprintf("To: %s", to.Email),
		fmt.Sprintf("Subject: %s", mime.QEncoding.Encode("UTF-8", subject)),
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q", writer.Boundary()),
		"",
	}
	return append([]byte(strings.Join(headers, "\r\n")+"\r\n"), body.Bytes()...), nil
}
