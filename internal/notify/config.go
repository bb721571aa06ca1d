package notify

import (
	"time"

	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/logging"
)

// FromConfig always logs deliveries and also posts them when a webhook URL
// is configured. The timezone must be loadable.
func FromConfig(cfg config.Notify, log *logging.Logger) (Notifier, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, faults.New(faults.Config, "notify.timezone", err)
	}
	n := Multi{Log{Logger: log, Location: loc}}
	if cfg.WebhookURL != "" {
		n = append(n, NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, cfg.Timeout))
	}
	return n, nil
}
