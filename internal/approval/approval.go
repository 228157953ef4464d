// Package approval gates risky recovery actions behind an explicit
// decision and fans out notifications.
//
// Approval requests ride NATS request/reply on mendd.approval.request; an
// unanswered request is a denial. Notifications are published to
// mendd.notify.{severity}. Headless runs use the Auto gate, which applies
// a fixed policy instead of asking anyone.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/config"
	"github.com/fyrsmithlabs/mendd/internal/logging"
)

const approvalSubject = "mendd.approval.request"

// Notification severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Risk levels attached to approval requests.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Gate decides whether a risky recovery action may proceed.
type Gate interface {
	// RequestApproval blocks until a decision arrives or the gate times
	// out. Timeouts and transport failures are denials.
	RequestApproval(ctx context.Context, kind, title, description, riskLevel string) bool
}

// Notifier delivers out-of-band notifications.
type Notifier interface {
	Notify(ctx context.Context, severity, title, body string) error
}

// Scrubber removes secrets from a payload before it leaves the process.
type Scrubber interface {
	Scrub(s string) string
}

// New builds the gate and notifier selected by the configuration. The
// NATS connection may be nil for auto modes; notifications then fall back
// to the no-op notifier.
func New(cfg config.ApprovalConfig, nc *nats.Conn, scrubber Scrubber, logger *logging.Logger) (Gate, Notifier, error) {
	var notifier Notifier = &NopNotifier{}
	if nc != nil {
		notifier = NewNATSNotifier(nc, scrubber, logger)
	}

	switch cfg.Mode {
	case "auto-approve":
		return NewAuto(true, logger), notifier, nil
	case "auto-deny":
		return NewAuto(false, logger), notifier, nil
	case "nats":
		gate, err := NewNATSGate(nc, cfg.Timeout.Duration(), scrubber, logger)
		if err != nil {
			return nil, nil, err
		}
		return gate, notifier, nil
	default:
		return nil, nil, fmt.Errorf("unknown approval mode: %s (supported: auto-approve, auto-deny, nats)", cfg.Mode)
	}
}

// Auto applies a fixed approve/deny policy without asking anyone.
type Auto struct {
	approve bool
	logger  *logging.Logger
}

// NewAuto returns a gate that always decides the same way.
func NewAuto(approve bool, logger *logging.Logger) *Auto {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Auto{approve: approve, logger: logger.Named("approval.auto")}
}

// RequestApproval applies the fixed policy.
func (a *Auto) RequestApproval(ctx context.Context, kind, title, _, riskLevel string) bool {
	a.logger.Info(ctx, "auto approval decision",
		zap.String("kind", kind),
		zap.String("title", title),
		zap.String("risk_level", riskLevel),
		zap.Bool("approved", a.approve))
	return a.approve
}

// request is the approval payload sent to responders.
type request struct {
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	RiskLevel   string    `json:"riskLevel"`
	RequestedAt time.Time `json:"requestedAt"`
}

// decision is the expected reply shape.
type decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// NATSGate asks for approval over NATS request/reply.
type NATSGate struct {
	nc       *nats.Conn
	timeout  time.Duration
	scrubber Scrubber
	logger   *logging.Logger
}

// NewNATSGate wraps a NATS connection as an approval gate.
func NewNATSGate(nc *nats.Conn, timeout time.Duration, scrubber Scrubber, logger *logging.Logger) (*NATSGate, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection required for approval gate")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &NATSGate{
		nc:       nc,
		timeout:  timeout,
		scrubber: scrubber,
		logger:   logger.Named("approval.nats"),
	}, nil
}

// RequestApproval publishes the request and waits for a decision. Any
// failure along the way, including an expired timeout, is a denial.
func (g *NATSGate) RequestApproval(ctx context.Context, kind, title, description, riskLevel string) bool {
	data, err := json.Marshal(request{
		Kind:        kind,
		Title:       title,
		Description: description,
		RiskLevel:   riskLevel,
		RequestedAt: time.Now(),
	})
	if err != nil {
		g.logger.Warn(ctx, "marshal approval request failed, denying", zap.Error(err))
		return false
	}
	if g.scrubber != nil {
		data = []byte(g.scrubber.Scrub(string(data)))
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	msg, err := g.nc.RequestWithContext(reqCtx, approvalSubject, data)
	if err != nil {
		g.logger.Warn(ctx, "approval request unanswered, denying",
			zap.String("kind", kind),
			zap.String("title", title),
			zap.Duration("timeout", g.timeout),
			zap.Error(err))
		return false
	}

	var d decision
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		g.logger.Warn(ctx, "malformed approval reply, denying", zap.Error(err))
		return false
	}

	g.logger.Info(ctx, "approval decision received",
		zap.String("kind", kind),
		zap.String("title", title),
		zap.Bool("approved", d.Approved),
		zap.String("reason", d.Reason))
	return d.Approved
}

// NATSNotifier publishes notifications to mendd.notify.{severity}.
type NATSNotifier struct {
	nc       *nats.Conn
	scrubber Scrubber
	logger   *logging.Logger
}

// NewNATSNotifier wraps a NATS connection as a notifier.
func NewNATSNotifier(nc *nats.Conn, scrubber Scrubber, logger *logging.Logger) *NATSNotifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &NATSNotifier{nc: nc, scrubber: scrubber, logger: logger.Named("notify")}
}

// Notify publishes one notification.
func (n *NATSNotifier) Notify(ctx context.Context, severity, title, body string) error {
	data, err := json.Marshal(map[string]interface{}{
		"severity":  severity,
		"title":     title,
		"body":      body,
		"timestamp": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if n.scrubber != nil {
		data = []byte(n.scrubber.Scrub(string(data)))
	}

	subject := fmt.Sprintf("mendd.notify.%s", severity)
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	n.logger.Debug(ctx, "notification published",
		zap.String("subject", subject),
		zap.String("title", title))
	return nil
}

// NopNotifier drops every notification.
type NopNotifier struct{}

// Notify does nothing.
func (*NopNotifier) Notify(context.Context, string, string, string) error { return nil }

var (
	_ Gate     = (*Auto)(nil)
	_ Gate     = (*NATSGate)(nil)
	_ Notifier = (*NATSNotifier)(nil)
	_ Notifier = (*NopNotifier)(nil)
)
