package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/pipelinectl/internal/model"
)

const (
	DefaultStream        = "PIPELINE"
	DefaultSubjectPrefix = "pipeline"

	streamMaxAge     = 7 * 24 * time.Hour
	operationTimeout = 10 * time.Second
)

// RunEvent is published when a manual run is launched and when it ends
type RunEvent struct {
	ID            string            `json:"id"`
	Task          model.LogicalTask `json:"task"`
	TaskArn       string            `json:"task_arn"`
	Cluster       string            `json:"cluster"`
	Status        model.TaskStatus  `json:"status"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	StoppedReason string            `json:"stopped_reason,omitempty"`
	StartedBy     string            `json:"started_by,omitempty"`
	LaunchedAt    time.Time         `json:"launched_at"`
	StoppedAt     *time.Time        `json:"stopped_at,omitempty"`
	PublishedAt   time.Time         `json:"published_at"`
}

// NewRunEvent builds the event for the current state of a run
func NewRunEvent(run *model.TaskRun, startedBy string) RunEvent {
	ev := RunEvent{
		ID:         run.ID,
		Task:       run.Task,
		TaskArn:    run.TaskArn,
		Cluster:    run.Cluster,
		Status:     run.LastStatus,
		ExitCode:   run.ExitCode,
		StartedBy:  startedBy,
		LaunchedAt: run.LaunchedAt,
		StoppedAt:  run.StoppedAt,
	}
	if run.StoppedReason != nil {
		ev.StoppedReason = *run.StoppedReason
	}
	return ev
}

// Notifier publishes pipeline events
type Notifier interface {
	PublishRun(ctx context.Context, ev RunEvent) error
	PublishVerdict(ctx context.Context, verdict *model.HealthVerdict) error
	Close()
}

// Config configures a Publisher
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Name          string
}

// Publisher publishes events to a JetStream stream
type Publisher struct {
	logger *zap.Logger
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	prefix string
}

var _ Notifier = (*Publisher)(nil)

// Connect dials NATS and makes sure the event stream exists
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	logger = logger.Named("notify")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(3),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream(nats.MaxWait(operationTimeout))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p, err := NewPublisher(ctx, js, cfg.Stream, cfg.SubjectPrefix, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.nc = nc

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return p, nil
}

// NewPublisher creates a publisher on an existing JetStream context
func NewPublisher(ctx context.Context, js nats.JetStreamContext, stream, prefix string, logger *zap.Logger) (*Publisher, error) {
	if stream == "" {
		stream = DefaultStream
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	p := &Publisher{
		logger: logger,
		js:     js,
		stream: stream,
		prefix: prefix,
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if err := p.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) setupStream(ctx context.Context) error {
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:     p.stream,
		Subjects: []string{p.prefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	}, nats.Context(ctx))

	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			p.logger.Debug("Stream already exists", zap.String("stream", p.stream))
			return nil
		}
		return err
	}

	p.logger.Info("Stream created", zap.String("stream", p.stream))
	return nil
}

// RunSubject is the subject run events of a task are published on
func (p *Publisher) RunSubject(task model.LogicalTask) string {
	return p.prefix + ".run." + subjectToken(string(task))
}

// VerifySubject is the subject verdicts of a stack are published on
func (p *Publisher) VerifySubject(stack string) string {
	return p.prefix + ".verify." + subjectToken(stack)
}

// PublishRun publishes the state of a manual run
func (p *Publisher) PublishRun(ctx context.Context, ev RunEvent) error {
	ev.PublishedAt = time.Now().UTC()
	return p.publish(ctx, p.RunSubject(ev.Task), ev)
}

// PublishVerdict publishes a stack health verdict
func (p *Publisher) PublishVerdict(ctx context.Context, verdict *model.HealthVerdict) error {
	return p.publish(ctx, p.VerifySubject(verdict.Stack), verdict)
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	ack, err := p.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.Debug("Event published",
		zap.String("subject", subject),
		zap.Uint64("sequence", ack.Sequence))
	return nil
}

// Close drains the connection when the publisher owns it
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		p.nc.Close()
	}
}

// subjectToken makes s safe to use as a single subject token
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// Nop discards every event
type Nop struct{}

func (Nop) PublishRun(context.Context, RunEvent) error                 { return nil }
func (Nop) PublishVerdict(context.Context, *model.HealthVerdict) error { return nil }
func (Nop) Close()                                                     {}
