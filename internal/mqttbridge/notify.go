package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/colebrumley/tripwire/internal/dispatcher"
)

// Publisher publishes a raw payload. *Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Notification is the JSON document published for each message.
type Notification struct {
	Channel     string   `json:"channel"`
	Message     string   `json:"message"`
	Recipients  []string `json:"recipients,omitempty"`
	TriggerID   string   `json:"trigger_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	SentAt      string   `json:"sent_at"`
}

// NotificationSender publishes notifications to <prefix>/notify/<channel>.
type NotificationSender struct {
	pub    Publisher
	prefix string
	now    func() time.Time
}

var _ dispatcher.NotificationSender = (*NotificationSender)(nil)

func NewNotificationSender(pub Publisher, prefix string) *NotificationSender {
	return &NotificationSender{pub: pub, prefix: prefix, now: time.Now}
}

func (s *NotificationSender) Send(ctx context.Context, channel, message string, recipients []string) error {
	n := Notification{
		Channel:    channel,
		Message:    message,
		Recipients: recipients,
		SentAt:     s.now().UTC().Format(time.RFC3339),
	}
	if exec, ok := dispatcher.ExecutionFromContext(ctx); ok {
		n.TriggerID = exec.TriggerID
		n.ExecutionID = exec.ID
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.pub.Publish(NotifyTopic(s.prefix, channel), payload)
}

// NotifyTopic returns the broker topic for channel. MQTT wildcard and level
// characters in the channel are replaced so a channel is always one level.
func NotifyTopic(prefix, channel string) string {
	clean := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(channel)
	return prefix + "/notify/" + clean
}
