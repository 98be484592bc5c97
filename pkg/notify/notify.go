// Package notify dispatches escalation notifications to human-facing channels.
// Delivery is fire-and-forget per channel: failures are logged and reported
// in the result map, never returned as errors.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

const defaultSendTimeout = 10 * time.Second

// Payload is the message delivered to every channel.
type Payload struct {
	EscalationID  string    `json:"escalation_id"`
	ConflictID    string    `json:"conflict_id"`
	Level         string    `json:"level"`
	Reason        string    `json:"reason"`
	UrgencyScore  float64   `json:"urgency_score"`
	RequiredRoles []string  `json:"required_roles"`
	Deadline      time.Time `json:"deadline"`
	Attempt       int       `json:"attempt"`
}

// PayloadFor builds the notification payload for an escalation request.
func PayloadFor(req contracts.EscalationRequest) Payload {
	roles := make([]string, len(req.RequiredRoles))
	for i, r := range req.RequiredRoles {
		roles[i] = string(r)
	}
	return Payload{
		EscalationID:  req.EscalationID,
		ConflictID:    req.ConflictID,
		Level:         req.Level.String(),
		Reason:        req.Reason,
		UrgencyScore:  req.UrgencyScore,
		RequiredRoles: roles,
		Deadline:      req.TimeoutDeadline,
		Attempt:       req.Attempt,
	}
}

// Notifier delivers a payload to a set of channels.
type Notifier interface {
	Notify(ctx context.Context, channels []contracts.Channel, payload Payload) map[contracts.Channel]bool
}

// Sender delivers to a single channel.
type Sender interface {
	Send(ctx context.Context, payload Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, payload Payload) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, payload Payload) error { return f(ctx, payload) }

// Dispatcher fans a payload out to registered senders concurrently.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[contracts.Channel]Sender
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher with only the log channel registered.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")
	d := &Dispatcher{
		senders: make(map[contracts.Channel]Sender),
		timeout: defaultSendTimeout,
		logger:  logger,
	}
	d.Register(contracts.ChannelLog, NewLogSender(logger))
	return d
}

// Register binds a sender to a channel, replacing any previous one.
func (d *Dispatcher) Register(ch contracts.Channel, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[ch] = s
}

// WithTimeout bounds each channel send.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	d.timeout = timeout
	return d
}

// Notify implements Notifier.
func (d *Dispatcher) Notify(ctx context.Context, channels []contracts.Channel, payload Payload) map[contracts.Channel]bool {
	results := make(map[contracts.Channel]bool, len(channels))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ch := range channels {
		d.mu.RLock()
		sender, ok := d.senders[ch]
		d.mu.RUnlock()
		if !ok {
			d.logger.Warn("no sender for channel", "channel", ch, "conflict_id", payload.ConflictID)
			results[ch] = false
			continue
		}

		wg.Add(1)
		go func(ch contracts.Channel, sender Sender) {
			defer wg.Done()
			err := d.send(ctx, sender, payload)
			if err != nil {
				d.logger.Error("notification failed", "channel", ch, "conflict_id", payload.ConflictID, "error", err)
			}
			mu.Lock()
			results[ch] = err == nil
			mu.Unlock()
		}(ch, sender)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) send(ctx context.Context, sender Sender, payload Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return sender.Send(ctx, payload)
}

// LogSender writes notifications to the structured log.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, p Payload) error {
	s.logger.InfoContext(ctx, "escalation notification",
		"escalation_id", p.EscalationID,
		"conflict_id", p.ConflictID,
		"level", p.Level,
		"reason", p.Reason,
		"urgency", p.UrgencyScore,
		"attempt", p.Attempt,
		"deadline", p.Deadline,
	)
	return nil
}
