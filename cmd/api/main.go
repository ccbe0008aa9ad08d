package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"settleflow/auth"
	"settleflow/config"
	"settleflow/db"
	"settleflow/deal"
	"settleflow/dispute"
	"settleflow/httpapi"
	"settleflow/invite"
	"settleflow/payment"
	"settleflow/payout"
	"settleflow/report"
	"settleflow/signing"
	"settleflow/sweep"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	signingSvc := signing.NewService(pool, nil, signing.LogSender{Log: logger}, cfg.SignTokenKey)
	paymentSvc := payment.NewService(pool, payment.LocalProvider{}, logger, cfg.WebhookSecret, cfg.InvoiceTTL, cfg.HoldPeriod)
	runner := payout.NewRunner(payout.LocalTransferer{}, nil, logger)
	dealSvc := deal.NewService(pool, nil, signingSvc, paymentSvc, runner, cfg.PlatformFeePct)
	signingSvc.SetCompleter(dealSvc)
	runner.SetRecorder(dealSvc)
	inviteSvc := invite.NewService(pool)
	disputeSvc := dispute.NewService(pool)
	reportSvc := report.NewService(report.NewRepository(pool))

	sweeper := sweep.New(pool, dealSvc, inviteSvc, nil, logger, cfg.SweepInterval)
	go sweeper.Run(ctx)

	api := httpapi.New(logger, authSvc, dealSvc, inviteSvc, signingSvc, paymentSvc, disputeSvc, reportSvc)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		runner.Wait()
	}()

	logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serve", zap.Error(err))
	}
}
