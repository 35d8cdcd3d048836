package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradepipeline/internal/metrics"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Alert struct {
	Source   string    `json:"source"`
	Kind     string    `json:"kind"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the process log.
type LogAlerter struct {
	Logger *zap.Logger
}

func (l LogAlerter) Alert(_ context.Context, a Alert) error {
	if l.Logger == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("source", a.Source),
		zap.String("kind", a.Kind),
		zap.String("severity", a.Severity),
		zap.String("message", a.Message),
	}
	switch a.Severity {
	case SeverityCritical:
		l.Logger.Error("alert", fields...)
	case SeverityWarning:
		l.Logger.Warn("alert", fields...)
	default:
		l.Logger.Info("alert", fields...)
	}
	return nil
}

// MultiAlerter delivers to every alerter and joins their errors.
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertDeduper drops an alert when the same source and kind was delivered within
// Cooldown.
type AlertDeduper struct {
	Next     Alerter
	Cooldown time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewAlertDeduper(next Alerter, cooldown time.Duration) *AlertDeduper {
	return &AlertDeduper{Next: next, Cooldown: cooldown, last: map[string]time.Time{}, now: time.Now}
}

func (d *AlertDeduper) Alert(ctx context.Context, a Alert) error {
	key := a.Source + "|" + a.Kind
	now := d.now()

	d.mu.Lock()
	if at, ok := d.last[key]; ok && d.Cooldown > 0 && now.Sub(at) < d.Cooldown {
		d.mu.Unlock()
		metrics.IncAlerts("suppressed")
		return nil
	}
	d.last[key] = now
	d.mu.Unlock()

	if d.Next == nil {
		return nil
	}
	if err := d.Next.Alert(ctx, a); err != nil {
		metrics.IncAlerts("failed")
		return err
	}
	metrics.IncAlerts("sent")
	return nil
}
