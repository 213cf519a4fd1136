package main

import (
	"context"
	"flag"
	"os"

	"github.com/arhyth/ledgerxgo"
	"github.com/rs/zerolog"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfp := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()
	cfgfl, err := os.Open(*cfp)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening config file")
	}
	cfg, err := ledgerxgo.LoadConfig(cfgfl)
	cfgfl.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("error loading config file")
	}
	if cfg.Database.Driver != ledgerxgo.DriverPostgres {
		logger.Fatal().Str("driver", cfg.Database.Driver).Msg("seeder requires the postgres driver")
	}

	ctx := context.Background()
	lh, err := ledgerxgo.NewLocalHelper(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting local helper")
	}
	defer lh.Store.Close()
	if _, err = lh.InitDB(ctx); err != nil {
		logger.Fatal().Err(err).Msg("error initializing database")
	}
	accts, err := lh.SeedAccounts(ctx, cfg.Seed)
	if err != nil {
		logger.Fatal().Err(err).Msg("error seeding accounts")
	}
	for _, a := range accts {
		logger.Info().
			Str("account_id", a.AcctID.String()).
			Str("customer_id", a.CustomerID).
			Str("balance", a.Balance.String()).
			Msg("seeded account")
	}
}
