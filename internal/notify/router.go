// router.go - Channel selection for verification messages.
package notify

import (
	"context"
	"fmt"
	"strings"

	"dcss-portal/internal/logging"
)

// Sender delivers one message to one destination.
type Sender interface {
	Send(ctx context.Context, to, message string) error
}

type channel struct {
	name    string
	sender  Sender
	breaker *Breaker
}

// Router sends to email addresses over SMTP and everything else over SMS.
// Each channel has its own breaker.
type Router struct {
	sms   *channel
	email *channel
}

// NewRouter accepts nil for a channel that is not configured.
func NewRouter(sms, email Sender, breakers func(name string) *Breaker) *Router {
	r := &Router{}
	if sms != nil {
		r.sms = &channel{name: "sms", sender: sms, breaker: breakers("sms")}
	}
	if email != nil {
		r.email = &channel{name: "email", sender: email, breaker: breakers("email")}
	}
	return r
}

func (r *Router) Send(ctx context.Context, destination, message string) error {
	ch := r.sms
	if strings.Contains(destination, "@") {
		ch = r.email
	}
	if ch == nil {
		return fmt.Errorf("no channel configured for destination")
	}

	err := ch.breaker.Execute(func() error {
		return ch.sender.Send(ctx, destination, message)
	})
	if err != nil {
		logging.Error("notify_send_failed", map[string]any{"channel": ch.name}, err)
		return fmt.Errorf("%s: %w", ch.name, err)
	}
	logging.Info("notify_sent", map[string]any{"channel": ch.name})
	return nil
}

// Stats reports breaker state per configured channel.
func (r *Router) Stats() map[string]BreakerStats {
	out := map[string]BreakerStats{}
	for _, ch := range []*channel{r.sms, r.email} {
		if ch != nil {
			out[ch.name] = ch.breaker.Stats()
		}
	}
	return out
}
