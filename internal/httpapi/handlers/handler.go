package handlers

import (
	"gorm.io/gorm"

	"github.com/hazelqin/mindmint/internal/completion"
	"github.com/hazelqin/mindmint/internal/config"
	"github.com/hazelqin/mindmint/internal/ledger"
	"github.com/hazelqin/mindmint/internal/session"
	"github.com/hazelqin/mindmint/internal/store/rabbitmq"
	"github.com/hazelqin/mindmint/internal/store/redisstore"
)

type Handler struct {
	DB         *gorm.DB
	Cfg        config.Config
	Redis      *redisstore.Store
	SessionSvc *session.Service
	Completer  *completion.Orchestrator
	Rabbit     *rabbitmq.Publisher
	Bridge     *ledger.Bridge

	// DefaultOwner is the ledger identity tokens are minted to when the user
	// has no wallet address on file (custodial mode).
	DefaultOwner string
}

func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, svc *session.Service, completer *completion.Orchestrator, rabbit *rabbitmq.Publisher, bridge *ledger.Bridge, defaultOwner string) *Handler {
	return &Handler{
		DB:           db,
		Cfg:          cfg,
		Redis:        rds,
		SessionSvc:   svc,
		Completer:    completer,
		Rabbit:       rabbit,
		Bridge:       bridge,
		DefaultOwner: defaultOwner,
	}
}
