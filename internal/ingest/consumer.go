// Package ingest consumes operation events published by the CRUD service and
// feeds them to the dispatcher.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"herald/internal/notify"
	logx "herald/pkg/logx"
)

var (
	ErrMalformed        = errors.New("ingest: malformed message")
	ErrUnknownOperation = errors.New("ingest: no policy for operation")
)

// Message is the wire form of a completed operation.
type Message struct {
	Operation      string          `json:"operation"`
	Actor          notify.Actor    `json:"actor"`
	OrganizationID string          `json:"organizationId,omitempty"`
	Request        json.RawMessage `json:"request,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Policy         *notify.Policy  `json:"policy,omitempty"`
}

// Decode turns a message into an Operation. An inline policy wins over the
// default registry.
func Decode(b []byte) (notify.Operation, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return notify.Operation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	name := strings.TrimSpace(m.Operation)
	if name == "" {
		return notify.Operation{}, fmt.Errorf("%w: missing operation", ErrMalformed)
	}
	req, err := notify.DecodeSnapshot(m.Request)
	if err != nil {
		return notify.Operation{}, fmt.Errorf("%w: request: %v", ErrMalformed, err)
	}
	res, err := notify.DecodeSnapshot(m.Result)
	if err != nil {
		return notify.Operation{}, fmt.Errorf("%w: result: %v", ErrMalformed, err)
	}

	op := notify.Operation{Name: name, Actor: m.Actor, OrganizationID: m.OrganizationID, Request: req, Result: res}
	if m.Policy != nil && !m.Policy.Empty() {
		op.Policy = *m.Policy
		return op, nil
	}
	p, ok := notify.PolicyFor(name)
	if !ok {
		return notify.Operation{}, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	op.Policy = p
	return op, nil
}

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	CommitInterval time.Duration
}

// Dispatcher runs one operation to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, op notify.Operation)
}

// reader is the subset of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r     reader
	disp  Dispatcher
	log   logx.Logger
	retry time.Duration
}

func NewConsumer(cfg Config, disp Dispatcher, log logx.Logger) *Consumer {
	commit := cfg.CommitInterval
	if commit <= 0 {
		commit = time.Second
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: commit,
	})
	return newConsumer(r, disp, log)
}

func newConsumer(r reader, disp Dispatcher, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{r: r, disp: disp, log: log.With(logx.String("comp", "ingest")), retry: time.Second}
}

// Run consumes until ctx is done. Messages that cannot be decoded are
// committed and dropped.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() { _ = c.r.Close() }()
	c.log.Info("consumer started")

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("consumer stopped")
				return nil
			}
			c.log.Warn("fetch failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retry):
			}
			continue
		}

		op, err := Decode(m.Value)
		if err != nil {
			c.log.Warn("dropping message", logx.String("key", string(m.Key)), logx.Int64("offset", m.Offset), logx.Err(err))
		} else {
			c.disp.Dispatch(context.WithoutCancel(ctx), op)
		}

		if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn("commit failed", logx.Int64("offset", m.Offset), logx.Err(err))
		}
	}
}
