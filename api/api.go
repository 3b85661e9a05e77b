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

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/tradelane/oracle"
	"github.com/tradelane/oracle/api/middleware"
	"github.com/tradelane/oracle/config"
	"github.com/tradelane/oracle/model"
)

// Version of the control-plane API surface.
const Version = "0.1.0"

type Api struct {
	oracle *oracle.Oracle
	router *gin.Engine
}

// PauseRequest is the body of POST /pause and POST /unpause. The reason is
// recorded in the pause state and in every alert that follows.
type PauseRequest struct {
	Reason string `json:"reason"`
}

func (r PauseRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Reason, validation.Required, validation.Length(1, 500)),
	)
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.GET("/status", a.Status)
	router.POST("/pause", a.Pause)
	router.POST("/unpause", a.Unpause)
	router.GET("/admin/active-tasks", a.ActiveTasks)
	router.GET("/admin/tracking-sessions", a.TrackingSessions)
	return a.router
}

// NewAPI builds the control-plane router. The liveness endpoints stay open;
// everything else sits behind the secret key when secure mode is on.
func NewAPI(o *oracle.Oracle) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{"service": "tradelane-oracle", "version": Version})
	})
	api := &Api{oracle: o, router: r}
	r.GET("/health", api.Health)

	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	return api
}

// Health reports liveness plus the latest heartbeat snapshot.
func (a Api) Health(c *gin.Context) {
	resp := gin.H{
		"status":    "ok",
		"paused":    a.oracle.Coordinator.IsPaused(),
		"timestamp": time.Now().UTC(),
	}
	if snapshot := a.oracle.Scheduler.LastHealth(); snapshot != nil {
		resp["chain_height"] = snapshot.ChainHeight
		resp["wallet_balance"] = snapshot.WalletBalance
	}
	c.JSON(http.StatusOK, resp)
}

// Status returns the full pause state plus a snapshot of the chain
// configuration the oracle is running against.
func (a Api) Status(c *gin.Context) {
	resp := gin.H{
		"pause":             a.oracle.Coordinator.State(),
		"wallet_address":    a.oracle.Chain.WalletAddress().Hex(),
		"tracking_sessions": len(a.oracle.Trackers.Sessions()),
	}
	if cnf, err := config.Fetch(); err == nil {
		resp["chain"] = gin.H{
			"network":          cnf.Chain.Network,
			"contract_address": cnf.Chain.ContractAddress,
			"chain_id":         cnf.Chain.ChainID,
		}
		resp["queue_broker"] = cnf.Queue.Broker
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) Pause(c *gin.Context) {
	var req PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	changed := a.oracle.Coordinator.Pause(c.Request.Context(), req.Reason, model.PauseSourceAPI)
	c.JSON(http.StatusOK, gin.H{
		"changed": changed,
		"state":   a.oracle.Coordinator.State(),
	})
}

func (a Api) Unpause(c *gin.Context) {
	var req PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	changed := a.oracle.Coordinator.Unpause(c.Request.Context(), req.Reason, model.PauseSourceAPI)
	c.JSON(http.StatusOK, gin.H{
		"changed": changed,
		"state":   a.oracle.Coordinator.State(),
	})
}

// ActiveTasks lists queued and running tasks across both queue backends.
func (a Api) ActiveTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": a.oracle.Queue.ActiveTasks()})
}

// TrackingSessions lists the live delivery polling sessions.
func (a Api) TrackingSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": a.oracle.Trackers.Sessions()})
}
