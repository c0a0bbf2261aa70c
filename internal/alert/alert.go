// Package alert delivers operator notifications to Slack: quota-overage
// banners raised by the worker sweep and account-lockout warnings raised by
// the two-factor verification path. With no bot token configured every
// notification degrades to a log line, so a deployment without Slack loses
// nothing but the channel messages.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// Notifier posts gateway alerts to a single operations channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty, the notifier is a
// noop (logging only).
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a valid Slack client and a
// target channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyOverage posts an overage banner for a tenant whose current-period
// request count has passed its tier's included quota.
func (n *Notifier) NotifyOverage(ctx context.Context, tenantSlug, tierName string, requestCount int64, charge float64) error {
	text := fmt.Sprintf(":warning: tenant *%s* (%s tier) is over its request quota: %d requests this period, $%.2f accrued overage",
		tenantSlug, tierName, requestCount, charge)
	if !n.IsEnabled() {
		n.logger.Info("overage alert (slack disabled)",
			"tenant_slug", tenantSlug, "tier", tierName, "request_count", requestCount, "charge", charge)
		return nil
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("posting overage alert to slack: %w", err)
	}
	return nil
}

// NotifyLockout implements auth.LockoutNotifier: it posts when an account
// crosses the failed-2FA threshold. It never blocks the login path; the
// post runs on its own goroutine with a bounded timeout.
func (n *Notifier) NotifyLockout(ctx context.Context, tenantSlug, email string, until time.Time) {
	text := fmt.Sprintf(":lock: two-factor lockout for *%s* on tenant *%s* until %s",
		email, tenantSlug, until.UTC().Format(time.RFC3339))
	if !n.IsEnabled() {
		n.logger.Warn("2fa lockout alert (slack disabled)",
			"tenant_slug", tenantSlug, "email", email, "locked_until", until)
		return
	}

	go func() {
		postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, _, err := n.client.PostMessageContext(postCtx, n.channel,
			goslack.MsgOptionText(text, false),
		); err != nil {
			n.logger.Error("posting lockout alert to slack", "error", err)
		}
	}()
}
