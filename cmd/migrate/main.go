package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-booking/internal/config"
	"github.com/hackgods/doctor-booking/internal/db"
	"github.com/hackgods/doctor-booking/internal/logging"
)

func main() {
	status := flag.Bool("status", false, "list migrations and whether they are applied, then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg, "migrate")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, "migrate", 2)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pool.Close()

	migrator := db.NewMigrator(pool, db.Migrations())

	if *status {
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("read migration status")
		}
		for _, st := range statuses {
			applied := "pending"
			if st.Applied {
				applied = "applied " + st.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%03d  %-40s %s\n", st.Version, st.Name, applied)
		}
		return
	}

	n, err := migrator.Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Int("applied", n).Msg("migration failed")
	}
	logger.Info().Int("applied", n).Msg("migrations complete")
}
