package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"tradepipeline/internal/breaker"
	"tradepipeline/internal/metrics"
	"tradepipeline/internal/retry"
)

// ErrUnavailable is returned while the notifier's own breaker is open.
var ErrUnavailable = errors.New("notifier unavailable")

const breakerName = "notify"

// Notifier is a breaker.Alerter that writes alerts to the log service.
type Notifier struct {
	Client *Client
	Agent  string
	Logger *zap.Logger

	cb    *gobreaker.CircuitBreaker
	retry retry.Policy
}

func NewNotifier(client *Client, agent string, policy retry.Policy, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(agent) == "" {
		agent = "trade-pipeline"
	}
	if policy.Retryable == nil {
		policy.Retryable = IsRetryable
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notify: breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetBreakerState(name, float64(to))
		},
	})
	return &Notifier{Client: client, Agent: agent, Logger: logger, cb: cb, retry: policy}
}

func (n *Notifier) Alert(ctx context.Context, a breaker.Alert) error {
	return n.Log(ctx, "alert_"+a.Kind, levelFromSeverity(a.Severity), map[string]any{
		"source":   a.Source,
		"kind":     a.Kind,
		"severity": a.Severity,
		"message":  a.Message,
		"at":       a.At.UTC().Format(time.RFC3339),
	})
}

// Log writes one entry, retrying transient failures behind the notifier breaker.
func (n *Notifier) Log(ctx context.Context, action, level string, details map[string]any) error {
	entry := Entry{
		Agent:    n.Agent,
		Action:   action,
		Level:    level,
		Details:  details,
		Metadata: map[string]any{},
	}
	_, err := n.cb.Execute(func() (interface{}, error) {
		_, err := n.retry.Do(ctx, func(ctx context.Context) error {
			return n.Client.Post(ctx, entry)
		})
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// State reports the notifier breaker for health output.
func (n *Notifier) State() string {
	return n.cb.State().String()
}

func levelFromSeverity(s string) string {
	switch s {
	case breaker.SeverityCritical:
		return "error"
	case breaker.SeverityWarning:
		return "warn"
	default:
		return "info"
	}
}
