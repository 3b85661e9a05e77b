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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT            = "4300"
	DEFAULT_POLL_INTERVAL   = 60
	DEFAULT_EVENT_WINDOW    = 5000
	DEFAULT_TRACKING_MAX_D  = 30
	DEFAULT_STALLED_DAYS    = 7
	DEFAULT_RETRY_ATTEMPTS  = 10
	DEFAULT_GST_QUEUE       = "oracle:gst_verification"
	DEFAULT_TRACKING_QUEUE  = "oracle:delivery_tracking"
	DEFAULT_MONITORING_PORT = "4301"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ORACLE_SERVER_ENABLED"`
	SSL       bool   `json:"ssl" envconfig:"ORACLE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"ORACLE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"ORACLE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"ORACLE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"ORACLE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"ORACLE_SERVER_PORT"`
}

type ChainConfig struct {
	RpcUrl          string `json:"rpc_url" envconfig:"ORACLE_CHAIN_RPC_URL"`
	ContractAddress string `json:"contract_address" envconfig:"ORACLE_CHAIN_CONTRACT_ADDRESS"`
	PrivateKey      string `json:"private_key" envconfig:"ORACLE_CHAIN_PRIVATE_KEY"`
	ChainID         int64  `json:"chain_id" envconfig:"ORACLE_CHAIN_ID"`
	Network         string `json:"network" envconfig:"ORACLE_CHAIN_NETWORK"`
}

type GSTConfig struct {
	ApiUrl     string `json:"api_url" envconfig:"ORACLE_GST_API_URL"`
	ApiKey     string `json:"api_key" envconfig:"ORACLE_GST_API_KEY"`
	TimeoutSec int    `json:"timeout_sec" envconfig:"ORACLE_GST_TIMEOUT_SEC"`
}

type LogisticsConfig struct {
	ApiUrl          string `json:"api_url" envconfig:"ORACLE_LOGISTICS_API_URL"`
	ApiKey          string `json:"api_key" envconfig:"ORACLE_LOGISTICS_API_KEY"`
	PollIntervalSec int    `json:"poll_interval_sec" envconfig:"ORACLE_LOGISTICS_POLL_INTERVAL_SEC"`
	MaxTrackingDays int    `json:"max_tracking_days" envconfig:"ORACLE_LOGISTICS_MAX_TRACKING_DAYS"`
	TimeoutSec      int    `json:"timeout_sec" envconfig:"ORACLE_LOGISTICS_TIMEOUT_SEC"`
}

type QueueConfig struct {
	Broker               bool   `json:"broker" envconfig:"ORACLE_QUEUE_BROKER"`
	GSTQueue             string `json:"gst_queue" envconfig:"ORACLE_QUEUE_GST"`
	TrackingQueue        string `json:"tracking_queue" envconfig:"ORACLE_QUEUE_TRACKING"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts" envconfig:"ORACLE_QUEUE_MAX_RECONNECT_ATTEMPTS"`
	MonitoringPort       string `json:"monitoring_port" envconfig:"ORACLE_QUEUE_MONITORING_PORT"`
}

type SchedulerConfig struct {
	RetrySweep        string `json:"retry_sweep" envconfig:"ORACLE_SCHEDULER_RETRY_SWEEP"`
	StalledAudit      string `json:"stalled_audit" envconfig:"ORACLE_SCHEDULER_STALLED_AUDIT"`
	HealthCheck       string `json:"health_check" envconfig:"ORACLE_SCHEDULER_HEALTH_CHECK"`
	Resync            string `json:"resync" envconfig:"ORACLE_SCHEDULER_RESYNC"`
	EventWindowBlocks uint64 `json:"event_window_blocks" envconfig:"ORACLE_SCHEDULER_EVENT_WINDOW_BLOCKS"`
	StalledAfterDays  int    `json:"stalled_after_days" envconfig:"ORACLE_SCHEDULER_STALLED_AFTER_DAYS"`
	LowBalanceWei     string `json:"low_balance_wei" envconfig:"ORACLE_SCHEDULER_LOW_BALANCE_WEI"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"ORACLE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"ORACLE_REDIS_SKIP_TLS_VERIFY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"ORACLE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"ORACLE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"ORACLE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string            `json:"project_name" envconfig:"ORACLE_PROJECT_NAME"`
	StartPaused  bool              `json:"start_paused" envconfig:"ORACLE_START_PAUSED"`
	PostHogKey   string            `json:"posthog_key" envconfig:"ORACLE_POSTHOG_KEY"`
	Server       ServerConfig      `json:"server"`
	Chain        ChainConfig       `json:"chain"`
	GST          GSTConfig         `json:"gst"`
	Logistics    LogisticsConfig   `json:"logistics"`
	Queue        QueueConfig       `json:"queue"`
	Scheduler    SchedulerConfig   `json:"scheduler"`
	Redis        RedisConfig       `json:"redis"`
	Notification Notification      `json:"notification"`
	RateLimit    RateLimitConfig   `json:"rate_limit"`
	GSTINMap     map[string]string `json:"gstin_map"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("oracle", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called oracle.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Tradelane Oracle"
	}

	if cnf.Chain.RpcUrl == "" {
		log.Println("Error: Chain RPC URL is empty. It's a required field.")
		return errors.New("chain RPC URL is required")
	}

	if cnf.Chain.ContractAddress == "" {
		log.Println("Error: Escrow contract address is empty. It's a required field.")
		return errors.New("escrow contract address is required")
	}

	if cnf.Chain.PrivateKey == "" {
		log.Println("Error: Oracle private key is empty. It's a required field.")
		return errors.New("oracle private key is required")
	}

	if cnf.Queue.Broker && cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty but the broker queue backend is enabled.")
		return errors.New("redis DNS is required when the broker backend is enabled")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.Chain.RpcUrl = strings.TrimSpace(cnf.Chain.RpcUrl)
	cnf.Chain.ContractAddress = strings.TrimSpace(cnf.Chain.ContractAddress)
	cnf.Chain.PrivateKey = strings.TrimSpace(strings.TrimPrefix(cnf.Chain.PrivateKey, "0x"))
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Chain.Network == "" {
		cnf.Chain.Network = "unknown"
	}

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.GST.TimeoutSec <= 0 {
		cnf.GST.TimeoutSec = 10
	}
	if cnf.Logistics.TimeoutSec <= 0 {
		cnf.Logistics.TimeoutSec = 10
	}
	if cnf.Logistics.PollIntervalSec <= 0 {
		cnf.Logistics.PollIntervalSec = DEFAULT_POLL_INTERVAL
	}
	if cnf.Logistics.MaxTrackingDays <= 0 {
		cnf.Logistics.MaxTrackingDays = DEFAULT_TRACKING_MAX_D
	}

	if cnf.Queue.GSTQueue == "" {
		cnf.Queue.GSTQueue = DEFAULT_GST_QUEUE
	}
	if cnf.Queue.TrackingQueue == "" {
		cnf.Queue.TrackingQueue = DEFAULT_TRACKING_QUEUE
	}
	if cnf.Queue.MaxReconnectAttempts <= 0 {
		cnf.Queue.MaxReconnectAttempts = DEFAULT_RETRY_ATTEMPTS
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}

	if cnf.Scheduler.RetrySweep == "" {
		cnf.Scheduler.RetrySweep = "@every 6h"
	}
	if cnf.Scheduler.StalledAudit == "" {
		cnf.Scheduler.StalledAudit = "@every 24h"
	}
	if cnf.Scheduler.HealthCheck == "" {
		cnf.Scheduler.HealthCheck = "@every 1h"
	}
	if cnf.Scheduler.Resync == "" {
		cnf.Scheduler.Resync = "@every 5m"
	}
	if cnf.Scheduler.EventWindowBlocks == 0 {
		cnf.Scheduler.EventWindowBlocks = DEFAULT_EVENT_WINDOW
	}
	if cnf.Scheduler.StalledAfterDays <= 0 {
		cnf.Scheduler.StalledAfterDays = DEFAULT_STALLED_DAYS
	}
	if cnf.Scheduler.LowBalanceWei == "" {
		// 0.05 ether
		cnf.Scheduler.LowBalanceWei = "50000000000000000"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
