package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civic_realtime/server/common/infra/httpclient"
)

func TestHTTPMailerPostsToProvider(t *testing.T) {
	var (
		got  Email
		auth string
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	m := NewHTTPMailer([]string{srv.URL}, "/emails", "civic@example.org", "k-123")
	require.NoError(t, m.Send(context.Background(), Email{To: "u1@example.org", Subject: "Hi", Text: "body"}))
	assert.Equal(t, "/emails", path)
	assert.Equal(t, "Bearer k-123", auth)
	assert.Equal(t, "civic@example.org", got.From)
	assert.Equal(t, "u1@example.org", got.To)
}

func TestHTTPMailerReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	err := NewHTTPMailer([]string{srv.URL}, "/emails", "", "").Send(context.Background(), Email{To: "x"})
	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
}

func TestUnreadCounterWithoutRedis(t *testing.T) {
	c := NewUnreadCounter(nil)
	_, err := c.Incr(context.Background(), "u1")
	assert.Error(t, err)
	assert.NoError(t, c.Set(context.Background(), "u1", 3))
	_, ok, err := c.Get(context.Background(), "u1")
	assert.NoError(t, err)
	assert.False(t, ok)
}
