package service

import (
	"context"

	"civic_realtime/server/common/infra/httpclient"
	commonlog "civic_realtime/server/common/log"
)

type Email struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

// HTTPMailer posts emails to a JSON email provider. Several provider
// endpoints may be configured; the client fails over between them.
type HTTPMailer struct {
	client *httpclient.Client
	path   string
	from   string
}

func NewHTTPMailer(endpoints []string, path, from, apiKey string) *HTTPMailer {
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	return &HTTPMailer{
		client: httpclient.NewClient(endpoints, httpclient.Options{Headers: headers}),
		path:   path,
		from:   from,
	}
}

func (m *HTTPMailer) Send(ctx context.Context, msg Email) error {
	if msg.From == "" {
		msg.From = m.from
	}
	return m.client.Post(ctx, m.path, msg, nil)
}

// LogMailer only logs. Used when no provider is configured.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, msg Email) error {
	commonlog.Infof("event=email action=send status=logged to=%s subject=%q", msg.To, msg.Subject)
	return nil
}
