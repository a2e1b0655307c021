package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	logx "herald/pkg/logx"
)

type capturedSend struct {
	addr string
	from string
	to   []string
	msg  []byte
}

type sendRecorder struct {
	mu    sync.Mutex
	sends []capturedSend
	err   error
}

func (r *sendRecorder) send(_ context.Context, addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, capturedSend{addr: addr, from: from, to: append([]string(nil), to...), msg: msg})
	return r.err
}

func newTestSMTP(rec *sendRecorder) *SMTPMailer {
	m := NewSMTP(SMTPConfig{Host: "smtp.example.com", Port: 2525, From: "noreply@example.com", FromName: "Herald", RatePerSec: 1000}, logx.Nop())
	m.send = rec.send
	m.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return m
}

func readParts(t *testing.T, raw []byte) (mail.Header, map[string]string) {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	parts := map[string]string{}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			b, _ := io.ReadAll(p.Body)
			parts[ct] = string(b)
		}
	}
	return mr.Header, parts
}

func TestSMTPSendAssignmentComposesMIME(t *testing.T) {
	t.Parallel()
	rec := &sendRecorder{}
	m := newTestSMTP(rec)

	err := m.SendAssignment(context.Background(),
		Recipient{ID: "U1", Name: "Ada Lovelace", Email: "ada@example.com"},
		Context{ActorName: "Grace", EntityName: "Ship <v2>", ParentName: "Apollo", URL: "https://app.example.com/tasks/T1"},
	)
	if err != nil {
		t.Fatalf("SendAssignment: %v", err)
	}
	if len(rec.sends) != 1 {
		t.Fatalf("sends=%d", len(rec.sends))
	}
	s := rec.sends[0]
	if s.addr != "smtp.example.com:2525" || s.from != "noreply@example.com" {
		t.Fatalf("envelope addr=%q from=%q", s.addr, s.from)
	}
	if len(s.to) != 1 || s.to[0] != "ada@example.com" {
		t.Fatalf("envelope to=%v", s.to)
	}

	h, parts := readParts(t, s.msg)
	subject, _ := h.Subject()
	if subject != `You were assigned to "Ship <v2>"` {
		t.Fatalf("subject=%q", subject)
	}
	to, _ := h.AddressList("To")
	if len(to) != 1 || to[0].Address != "ada@example.com" {
		t.Fatalf("To=%v", to)
	}
	if !strings.Contains(parts["text/plain"], `Grace assigned you to the task "Ship <v2>" in Apollo.`) {
		t.Fatalf("text=%q", parts["text/plain"])
	}
	if !strings.Contains(parts["text/html"], "Ship &lt;v2&gt;") {
		t.Fatalf("html not escaped: %q", parts["text/html"])
	}
}

func TestSMTPBroadcastUsesUndisclosedRecipients(t *testing.T) {
	t.Parallel()
	rec := &sendRecorder{}
	m := newTestSMTP(rec)

	err := m.SendProjectCreated(context.Background(), []Recipient{
		{ID: "U1", Email: "a@example.com"},
		{ID: "U2", Email: "b@example.com"},
		{ID: "U3", Email: "A@example.com"},
		{ID: "U4"},
	}, Context{ActorName: "Grace", EntityName: "Apollo"})
	if err != nil {
		t.Fatalf("SendProjectCreated: %v", err)
	}
	s := rec.sends[0]
	if len(s.to) != 2 {
		t.Fatalf("envelope=%v", s.to)
	}
	h, _ := readParts(t, s.msg)
	to, _ := h.AddressList("To")
	if len(to) != 1 || to[0].Address != "noreply@example.com" {
		t.Fatalf("To header leaks recipients: %v", to)
	}
}

func TestSendWithoutAddressesFails(t *testing.T) {
	t.Parallel()
	rec := &sendRecorder{}
	m := newTestSMTP(rec)

	err := m.SendMention(context.Background(), Recipient{ID: "U1"}, Context{})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("err=%v", err)
	}
	if len(rec.sends) != 0 {
		t.Fatalf("unexpected send")
	}
}

func TestSMTPTransportErrorIsWrapped(t *testing.T) {
	t.Parallel()
	boom := errors.New("421 try later")
	rec := &sendRecorder{err: boom}
	m := newTestSMTP(rec)

	err := m.SendPasswordReset(context.Background(), Recipient{Email: "x@example.com"}, "https://app.example.com/reset/abc")
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	_, parts := readParts(t, rec.sends[0].msg)
	if !strings.Contains(parts["text/plain"], "https://app.example.com/reset/abc") {
		t.Fatalf("reset link missing: %q", parts["text/plain"])
	}
}

func TestSMTPSendStopsAtTimeoutWhenServerIsSilent(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()
	defer func() {
		select {
		case conn := <-accepted:
			_ = conn.Close()
		default:
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	m := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: addr.Port, From: "noreply@example.com", Timeout: 200 * time.Millisecond}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- m.SendAssignment(ctx, Recipient{ID: "U1", Email: "ada@example.com"}, Context{EntityName: "Ship"})
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from a server that never greets")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send still blocked after 2s")
	}
}

func TestRenderAllKinds(t *testing.T) {
	t.Parallel()
	for kind := range templates {
		r, err := render(kind, Context{EntityName: "X", Title: "Maintenance", Body: "Down at 5"})
		if err != nil {
			t.Fatalf("render(%s): %v", kind, err)
		}
		if r.Subject == "" || strings.TrimSpace(r.Text) == "" {
			t.Fatalf("render(%s) produced empty output: %+v", kind, r)
		}
	}
	if _, err := render("nope", Context{}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	r, _ := render(KindStatusChange, Context{EntityName: "X", Status: "DONE"})
	if !strings.Contains(r.Text, "Someone changed the status of \"X\" to DONE.") {
		t.Fatalf("text=%q", r.Text)
	}
}

func TestLogMailerLogs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	m := NewLog(logx.NewWriter(&buf, "info"))
	if err := m.SendSystem(context.Background(), []Recipient{{Email: "a@example.com"}}, Context{Title: "Heads up", Body: "hello"}); err != nil {
		t.Fatalf("SendSystem: %v", err)
	}
	if !strings.Contains(buf.String(), "Heads up") {
		t.Fatalf("log=%q", buf.String())
	}
}
