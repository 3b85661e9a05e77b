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
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradelane/oracle/config"
	"github.com/tradelane/oracle/internal/request"
)

// SlackNotification sends a titled message to the configured Slack webhook.
// Used for oracle-side alerts: disputes, failed deliveries, manual-review
// flags and low wallet balance.
func SlackNotification(title, detail string) {
	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": "%s",
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Detail:*\n%s"
					}
				]
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%s"
					}
				]
			}
		]
	}`, title, detail, time.Now().Format(time.RFC822)))

	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}

	payload, err := request.ToJsonReq(&data)
	if err != nil {
		log.Println(err)
		return
	}

	req, err := http.NewRequest("POST", conf.Notification.Slack.WebhookUrl, payload)
	if err != nil {
		log.Println(err)
		return
	}

	var response map[string]interface{}
	_, err = request.Call(req, &response)
	if err != nil {
		log.Println(err)
	}
}

// NotifyError sends an error notification through the configured channels.
// It logs the error locally and, if Slack is configured, alerts Slack.
// The notification runs asynchronously to avoid blocking the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackNotification("Error From Tradelane Oracle 🐞", systemError.Error())
		}
	}(systemError)
}

// NotifyAlert raises a non-error operational alert (dispute raised, delivery
// failed, tracking session flagged for manual review, low balance).
func NotifyAlert(title, detail string) {
	go func() {
		logrus.WithField("detail", detail).Warn(title)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackNotification(title, detail)
		}
		if conf.Notification.Webhook.Url != "" {
			sendWebhook(conf, title, detail)
		}
	}()
}

// sendWebhook posts the alert to the generic webhook endpoint with the
// configured headers.
func sendWebhook(conf *config.Configuration, title, detail string) {
	payload, err := request.ToJsonReq(map[string]string{
		"title":  title,
		"detail": detail,
	})
	if err != nil {
		log.Println(err)
		return
	}

	req, err := http.NewRequest("POST", conf.Notification.Webhook.Url, payload)
	if err != nil {
		log.Println(err)
		return
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	var response map[string]interface{}
	if _, err := request.Call(req, &response); err != nil {
		log.Println(err)
	}
}
