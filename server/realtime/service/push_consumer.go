package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"civic_realtime/server/common/infra/mq"
	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/common/transport/push"
	"civic_realtime/server/realtime/domain"
)

// NewPushHandler delivers push messages from the notification exchange to the
// target user's open sessions through the hub.
func NewPushHandler(hub *Hub) mq.Handler {
	return func(ctx context.Context, body []byte) error {
		var msg push.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: %v", mq.ErrMalformed, err)
		}
		if strings.TrimSpace(msg.UserID) == "" {
			return fmt.Errorf("%w: user_id is required", mq.ErrMalformed)
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		hub.NotifyUser(msg.UserID, domain.Envelope{Event: push.ClientEvent, Payload: raw, SentAt: time.Now().UTC()})
		commonlog.Debugf("event=push_consumer action=deliver status=ok user_id=%s notification_id=%s", msg.UserID, msg.NotificationID)
		return nil
	}
}
