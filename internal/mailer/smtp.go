package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/time/rate"

	logx "herald/pkg/logx"
)

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	FromName   string
	RatePerSec int
	Burst      int
	Timeout    time.Duration
}

type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer renders templates into MIME messages and sends them over SMTP.
// Sends are throttled by a token bucket that Apply can retune at runtime.
type SMTPMailer struct {
	templateMailer

	mu      sync.RWMutex
	cfg     SMTPConfig
	limiter *rate.Limiter

	log  logx.Logger
	send sendFunc
	now  func() time.Time
}

func NewSMTP(cfg SMTPConfig, log logx.Logger) *SMTPMailer {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &SMTPMailer{log: log, send: sendMail, now: time.Now}
	m.templateMailer = templateMailer{d: m}
	m.Apply(cfg)
	return m
}

// Apply swaps the SMTP settings and rate limit. In-flight sends keep the old values.
func (m *SMTPMailer) Apply(cfg SMTPConfig) {
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	m.mu.Lock()
	m.cfg = cfg
	m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	m.mu.Unlock()
}

func (m *SMTPMailer) snapshot() (SMTPConfig, *rate.Limiter) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, m.limiter
}

func (m *SMTPMailer) deliver(ctx context.Context, kind Kind, to []Recipient, r rendered) error {
	cfg, limiter := m.snapshot()

	wctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	err := limiter.Wait(wctx)
	cancel()
	if err != nil {
		return fmt.Errorf("mailer: rate limit wait: %w", err)
	}

	msg, err := m.compose(cfg, to, r)
	if err != nil {
		return err
	}
	envelope := make([]string, 0, len(to))
	for _, rc := range to {
		envelope = append(envelope, rc.Email)
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	sctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	started := m.now()
	if err := m.send(sctx, addr, auth, cfg.From, envelope, msg); err != nil {
		return fmt.Errorf("mailer: smtp send %s: %w", kind, err)
	}
	m.log.Debug("email sent",
		logx.String("kind", string(kind)),
		logx.Int("recipients", len(envelope)),
		logx.Duration("took", time.Since(started)),
	)
	return nil
}

// sendMail is smtp.SendMail bounded by ctx. The dial and every read and write
// on the connection stop at ctx's deadline or when ctx is canceled.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) (err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer func() {
		if err != nil && ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
	}()
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// compose builds a multipart/alternative message. A single recipient is put
// in To; several are sent as undisclosed recipients.
func (m *SMTPMailer) compose(cfg SMTPConfig, to []Recipient, r rendered) ([]byte, error) {
	from := &mail.Address{Name: cfg.FromName, Address: cfg.From}

	var h mail.Header
	h.SetDate(m.now())
	h.SetSubject(r.Subject)
	h.SetAddressList("From", []*mail.Address{from})
	if len(to) == 1 {
		h.SetAddressList("To", []*mail.Address{{Name: to[0].Name, Address: to[0].Email}})
	} else {
		h.SetAddressList("To", []*mail.Address{from})
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("mailer: message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("mailer: create writer: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("mailer: create inline: %w", err)
	}
	if err := writePart(iw, "text/plain", r.Text); err != nil {
		return nil, err
	}
	if err := writePart(iw, "text/html", r.HTML); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("mailer: create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		_ = pw.Close()
		return err
	}
	return pw.Close()
}
