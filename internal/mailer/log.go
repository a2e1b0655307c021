package mailer

import (
	"context"

	logx "herald/pkg/logx"
)

// LogMailer writes rendered emails to the log instead of sending them.
// It is the default transport for development and dry runs.
type LogMailer struct {
	templateMailer
	log logx.Logger
}

func NewLog(log logx.Logger) *LogMailer {
	m := &LogMailer{log: log}
	m.templateMailer = templateMailer{d: m}
	return m
}

func (m *LogMailer) deliver(_ context.Context, kind Kind, to []Recipient, r rendered) error {
	addrs := make([]string, 0, len(to))
	for _, rc := range to {
		addrs = append(addrs, rc.Email)
	}
	m.log.Info("email (log transport)",
		logx.String("kind", string(kind)),
		logx.Strs("to", addrs),
		logx.String("subject", r.Subject),
		logx.String("body", r.Text),
	)
	return nil
}
