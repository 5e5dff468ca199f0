// Package slack implements coordinator.Notifier by posting a run-failure
// message to a configured channel, wrapping the slack-go client the same way
// the AI bot's internal/slack.Client does.
package slack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
)

// Notifier posts run-failure alerts to a single Slack channel. A zero-value
// Notifier (no token) is valid and NotifyFailure becomes a no-op, matching
// the "skip silently when unconfigured" contract coordinator.Notifier
// documents.
type Notifier struct {
	api     *slack.Client
	channel string
	log     *slog.Logger
}

// New builds a Notifier. If token is empty, NotifyFailure is a no-op.
func New(token, channel string, log *slog.Logger) *Notifier {
	var api *slack.Client
	if token != "" {
		api = slack.New(token)
	}
	return &Notifier{api: api, channel: channel, log: log}
}

// NotifyFailure posts a formatted alert to the configured channel. Post
// errors are logged, never returned, since a failed notification must not
// mask the original run error.
func (n *Notifier) NotifyFailure(ctx context.Context, pipeline string, runID uuid.UUID, runErr error) {
	if n.api == nil {
		return
	}

	text := fmt.Sprintf(":rotating_light: *%s* run `%s` failed:\n```%s```", pipeline, runID.String(), runErr.Error())
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		n.log.Error("failed to post slack failure notification", "error", err, "pipeline", pipeline, "run_id", runID.String())
	}
}
