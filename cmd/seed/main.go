// Command seed provisions the superadmin credential and, optionally, a demo
// tenant. It can be re-run safely against the same database.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/facturacloud/billing-service/internal/app"
	"github.com/facturacloud/billing-service/internal/config"
	"github.com/facturacloud/billing-service/internal/domain"
	"github.com/facturacloud/billing-service/internal/store"
)

func main() {
	demo := flag.Bool("demo", false, "also provision the demo tenant")
	demoTaxID := flag.String("demo-tax-id", "1790000000001", "demo tenant tax ID")
	demoEmail := flag.String("demo-email", "demo@facturacloud.test", "demo tenant admin email")
	demoPassword := flag.String("demo-password", "Demo12345", "demo tenant admin password")
	demoPlan := flag.String("demo-plan", string(domain.PlanYearly), "demo tenant plan")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 2
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()

	repository := store.NewRepository(dbpool)
	service := app.NewService(repository, nil, nil, nil, logger, app.ServiceConfig{
		Currency:   cfg.PaymentCurrency,
		BcryptCost: cfg.BcryptCost,
	})

	req := app.SeedRequest{
		SuperAdminEmail:    cfg.SeedSuperAdminEmail,
		SuperAdminPassword: cfg.SeedSuperAdminPassword,
	}
	if *demo {
		plan, ok := domain.LookupPlan(*demoPlan)
		if !ok {
			logger.Error("unknown demo plan", "plan", *demoPlan)
			os.Exit(1)
		}
		req.DemoTenant = &app.ProvisionRequest{
			TaxID:             *demoTaxID,
			BusinessName:      "Demo Facturacion S.A.",
			Email:             *demoEmail,
			Password:          *demoPassword,
			Address:           "Av. Amazonas N34-120, Quito",
			Plan:              plan.Code,
			SeedFinalConsumer: true,
		}
	}

	result, err := service.Seed(ctx, req)
	if err != nil {
		logger.Error("seed failed", "error", err)
		os.Exit(1)
	}

	attrs := []any{"superadmin", result.SuperAdminResult}
	if result.DemoTenant != nil {
		attrs = append(attrs, "demo_tenant_id", result.DemoTenant.ID, "demo_extended", result.DemoExtended)
	}
	logger.Info("seed complete", attrs...)
}
