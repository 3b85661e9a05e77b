/*
Copyright 2025 Tradelane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradelane/oracle/config"
)

func TestSlackNotificationPostsBlocks(t *testing.T) {
	var mu sync.Mutex
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = b
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	cnf := &config.Configuration{}
	cnf.Notification.Slack.WebhookUrl = srv.URL
	config.MockConfig(cnf)

	SlackNotification("Trade Disputed", "trade 42 disputed by buyer")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, body)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Contains(t, string(body), "Trade Disputed")
	assert.Contains(t, string(body), "trade 42 disputed by buyer")
}

func TestNotifyAlertHitsWebhook(t *testing.T) {
	received := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cnf := &config.Configuration{}
	cnf.Notification.Webhook.Url = srv.URL
	cnf.Notification.Webhook.Headers = map[string]string{"X-Token": "t"}
	config.MockConfig(cnf)

	NotifyAlert("Stalled Delivery", "trade 7 still Shipped after 8 days")

	select {
	case payload := <-received:
		assert.Equal(t, "Stalled Delivery", payload["title"])
		assert.Equal(t, "trade 7 still Shipped after 8 days", payload["detail"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestNotifyAlertNoChannelsConfigured(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	// Nothing configured: must not panic or block.
	NotifyAlert("Low Balance", "wallet below threshold")
	time.Sleep(50 * time.Millisecond)
}
