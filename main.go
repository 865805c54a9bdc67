package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/auditlog"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/bitrix"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/config"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/gelf"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/handler"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/mapping"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/router"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/service"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/tilda"
)

func main() {
	cfg := config.Load()

	// GELF UDP logging
	if cfg.GelfAddr != "" {
		gelfWriter, err := gelf.New(cfg.GelfAddr)
		if err != nil {
			log.Printf("Warning: GELF init failed: %v", err)
		} else {
			log.SetOutput(io.MultiWriter(os.Stderr, gelfWriter))
			log.Printf("GELF logging: enabled (%s)", cfg.GelfAddr)
		}
	}
	if cfg.BitrixBaseURL == "" {
		log.Fatal("BITRIX_WEBHOOK_BASE_URL is required")
	}

	// Collaborators
	crm := bitrix.NewClient(cfg.BitrixBaseURL, cfg.RequestTimeout, cfg.DiskUserID, cfg.DiskRootFolderName)
	tildaClient := tilda.NewClient(cfg.TildaBaseURL, cfg.TildaPublicKey, cfg.TildaSecretKey, cfg.TildaProjectID, cfg.RequestTimeout)
	audit := auditlog.New(cfg.AuditLogFile)
	mappings := mapping.NewStore(cfg.MappingFile, mapping.SearchDefaults{
		INNField:   cfg.INNField,
		TitleField: cfg.TitleField,
	})

	// Services
	resolver := service.NewEntityResolver(crm, cfg)
	placer := service.NewFilePlacer(crm)
	deals := service.NewDealService(crm, mappings, resolver, placer, audit, cfg)
	fields := service.NewFieldsService(crm, cfg.FieldsCacheFile)
	forwarder := service.NewForwarder(cfg.OutboundWebhookURL, cfg.ForwardFields, cfg.RequestTimeout)

	// Handlers
	webhookH := handler.NewWebhookHandler(deals, audit, cfg)
	bitrixH := handler.NewBitrixHandler(audit, forwarder, fields)
	tildaH := handler.NewTildaHandler(tildaClient)

	// Router
	r := router.New(webhookH, bitrixH, tildaH)

	// Warm the deal field schema cache in the background so a slow or
	// unreachable portal doesn't hold up startup.
	go func() {
		if err := fields.Refresh(context.Background()); err != nil {
			log.Printf("Warning: failed to cache Bitrix fields: %v", err)
			return
		}
		log.Printf("Saved Bitrix24 deal field structure to %s", cfg.FieldsCacheFile)
	}()

	log.Printf("tilda-b24-bridge starting on %s", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
