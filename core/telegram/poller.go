package telegram

import (
	"fmt"
	"strings"
	"time"

	coreconfig "github.com/m3rciful/gitpush/core/config"

	tele "gopkg.in/telebot.v4"
)

const defaultLongPollSeconds = 10

// WebhookOptions declares webhook listener settings.
type WebhookOptions struct {
	Listen string
	Port   int
	URL    string
}

// PollerOptions configures BuildPoller.
type PollerOptions struct {
	RunMode                string
	LongPollTimeoutSeconds int
	Webhook                WebhookOptions
}

// BuildPoller returns a Telebot poller based on provided options.
func BuildPoller(opts PollerOptions) tele.Poller {
	if strings.EqualFold(strings.TrimSpace(opts.RunMode), coreconfig.RunModeWebhook) {
		return &tele.Webhook{
			Listen:   fmt.Sprintf("%s:%d", opts.Webhook.Listen, opts.Webhook.Port),
			Endpoint: &tele.WebhookEndpoint{PublicURL: opts.Webhook.URL},
		}
	}
	timeout := opts.LongPollTimeoutSeconds
	if timeout <= 0 {
		timeout = defaultLongPollSeconds
	}
	return &tele.LongPoller{
		Timeout:        time.Duration(timeout) * time.Second,
		AllowedUpdates: []string{"message", "callback_query"},
	}
}
