package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/common/transport/push"
	"civic_realtime/server/notify/domain"
)

type DeliveryStore interface {
	CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
	GetPreference(ctx context.Context, userID, eventType string) (domain.Preference, bool, error)
	ContactEmail(ctx context.Context, userID string) (string, error)
}

// PushSender hands a message to the push sub-service. *mq.Publisher satisfies it.
type PushSender interface {
	Publish(ctx context.Context, key string, payload any) error
}

type DeliveryRequest struct {
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Priority  domain.Priority `json:"priority,omitempty"`
	ActionURL string          `json:"action_url,omitempty"`
	// Omitted means requested.
	SendPush  *bool `json:"send_push,omitempty"`
	SendEmail *bool `json:"send_email,omitempty"`
}

type DeliveryResult struct {
	Success        bool   `json:"success"`
	NotificationID string `json:"notification_id"`
	SentPush       bool   `json:"sent_push"`
	SentEmail      bool   `json:"sent_email"`
}

// Orchestrator persists a notification and fans it out to push and email.
// Only persistence can fail a delivery; every later step logs and moves on.
type Orchestrator struct {
	store   DeliveryStore
	push    PushSender
	mailer  Mailer
	counter *UnreadCounter
	newID   func() string
}

func NewOrchestrator(store DeliveryStore, pushSender PushSender, mailer Mailer, counter *UnreadCounter) *Orchestrator {
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &Orchestrator{
		store:   store,
		push:    pushSender,
		mailer:  mailer,
		counter: counter,
		newID:   func() string { return uuid.NewString() },
	}
}

func requested(flag *bool) bool {
	return flag == nil || *flag
}

func (req *DeliveryRequest) normalize() error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Type = strings.TrimSpace(req.Type)
	req.Title = strings.TrimSpace(req.Title)
	if req.UserID == "" || req.Type == "" || req.Title == "" {
		return fmt.Errorf("user_id, type and title are required: %w", ErrInvalidInput)
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityMedium
	}
	if !req.Priority.Valid() {
		return fmt.Errorf("priority %q: %w", req.Priority, ErrInvalidInput)
	}
	if len(req.Data) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(req.Data, &obj); err != nil || obj == nil {
			return fmt.Errorf("data must be a JSON object: %w", ErrInvalidInput)
		}
	}
	return nil
}

func (o *Orchestrator) Deliver(ctx context.Context, req DeliveryRequest) (DeliveryResult, error) {
	if err := req.normalize(); err != nil {
		return DeliveryResult{}, err
	}

	record, err := o.store.CreateNotification(ctx, domain.Notification{
		ID:        o.newID(),
		UserID:    req.UserID,
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		Data:      req.Data,
		Priority:  req.Priority,
		ActionURL: req.ActionURL,
	})
	if err != nil {
		commonlog.Errorf("event=notification action=persist status=failed user_id=%s type=%s error=%v", req.UserID, req.Type, err)
		return DeliveryResult{}, fmt.Errorf("persist notification: %w", err)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	result := DeliveryResult{Success: true, NotificationID: record.ID}

	pushEnabled, emailEnabled := true, true
	pref, found, err := o.store.GetPreference(ctx, req.UserID, req.Type)
	if err != nil {
		commonlog.Warnf("event=notification action=load_preferences status=failed user_id=%s type=%s error=%v", req.UserID, req.Type, err)
	} else if found {
		pushEnabled, emailEnabled = pref.PushEnabled, pref.EmailEnabled
	}

	if requested(req.SendPush) && pushEnabled {
		result.SentPush = o.sendPush(ctx, record)
	}
	if requested(req.SendEmail) && emailEnabled {
		result.SentEmail = o.sendEmail(ctx, record)
	}

	if _, err := o.counter.Incr(ctx, req.UserID); err != nil {
		commonlog.Warnf("event=notification action=incr_unread status=failed user_id=%s error=%v", req.UserID, err)
	}

	commonlog.Infof("event=notification action=deliver status=ok notification_id=%s user_id=%s type=%s push=%t email=%t",
		record.ID, record.UserID, record.Type, result.SentPush, result.SentEmail)
	return result, nil
}

func (o *Orchestrator) sendPush(ctx context.Context, n domain.Notification) bool {
	if o.push == nil {
		return false
	}
	msg := push.Message{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type,
		Title:          n.Title,
		Message:        n.Message,
		Data:           n.Data,
		Priority:       string(n.Priority),
		ActionURL:      n.ActionURL,
		CreatedAt:      n.CreatedAt,
	}
	if err := o.push.Publish(ctx, push.RoutingKey(n.Type), msg); err != nil {
		commonlog.Warnf("event=notification action=push status=failed notification_id=%s error=%v", n.ID, err)
		return false
	}
	return true
}

func (o *Orchestrator) sendEmail(ctx context.Context, n domain.Notification) bool {
	to, err := o.store.ContactEmail(ctx, n.UserID)
	if err != nil {
		commonlog.Warnf("event=notification action=lookup_contact status=failed user_id=%s error=%v", n.UserID, err)
		return false
	}
	if to == "" {
		return false
	}
	text := n.Message
	if n.ActionURL != "" {
		text += "\n\n" + n.ActionURL
	}
	if err := o.mailer.Send(ctx, Email{To: to, Subject: n.Title, Text: text}); err != nil {
		commonlog.Warnf("event=notification action=email status=failed notification_id=%s error=%v", n.ID, err)
		return false
	}
	return true
}
