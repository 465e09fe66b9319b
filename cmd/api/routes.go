package main

import (
	"persona-ledger/internal/audit"
	"persona-ledger/internal/config"
	"persona-ledger/internal/httpapi"
	"persona-ledger/internal/ledger"
	"persona-ledger/internal/metrics"
	"persona-ledger/internal/replies"
	"persona-ledger/internal/reporting"
	"persona-ledger/internal/repository"
	"persona-ledger/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type deps struct {
	backend     *repository.Backend
	coordinator *ledger.Coordinator
	dispatcher  *replies.Dispatcher
	recorder    *metrics.Recorder
	rdb         *redis.Client
	authMW      gin.HandlerFunc
	cfg         config.Config
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic.
func registerRoutes(r *gin.Engine, d deps) {
	httpapi.RegisterHealth(r, d.backend.Ping)
	r.GET("/metrics", gin.WrapH(d.recorder.Handler()))

	var slots httpapi.SlotLimiter
	if d.rdb != nil {
		slots = utils.NewConcurrencyCap(d.rdb, "send_slots:", d.cfg.Redis.SendConcurrencyLimit, d.cfg.Redis.SendSlotTTL)
	}

	httpapi.Register(r, httpapi.Handlers{
		Ledger:  d.coordinator,
		Audit:   audit.NewService(d.backend.Audit),
		Replies: d.dispatcher,
		Reports: reporting.NewService(d.backend.Store, d.backend.Store),
	}, d.authMW, slots)
}
