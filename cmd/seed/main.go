package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-booking/internal/db"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

// Doctors are spread over zones with and without daylight saving.
var timezones = []string{
	"UTC",
	"Europe/London",
	"Europe/Berlin",
	"America/New_York",
	"America/Los_Angeles",
	"Asia/Kolkata",
	"Asia/Tokyo",
	"Australia/Sydney",
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	_ = godotenv.Load()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}
	doctors := envInt("SEED_DOCTORS", 50)
	patients := envInt("SEED_PATIENTS", 5000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, "seed", 4)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	doctorIDs, err := seedDoctors(ctx, pool, doctors)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed doctors")
	}
	logger.Info().Int("count", len(doctorIDs)).Msg("doctors seeded")

	n, err := seedBlackouts(ctx, pool, doctorIDs)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed blackouts")
	}
	logger.Info().Int("count", n).Msg("blackouts seeded")

	copied, err := seedPatients(ctx, pool, patients)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}
	logger.Info().Int64("count", copied).Msg("patients seeded")

	logger.Info().Msg("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, count)
	batch := &pgx.Batch{}
	for i := 0; i < count; i++ {
		id := uuid.New()
		ids = append(ids, id)
		batch.Queue(`
			INSERT INTO doctors (id, name, specialty, timezone, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, "Dr. "+gofakeit.Name(), pick(specialties), pick(timezones))
	}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// seedBlackouts gives roughly one doctor in five a day off next week.
func seedBlackouts(ctx context.Context, pool *pgxpool.Pool, doctorIDs []uuid.UUID) (int, error) {
	batch := &pgx.Batch{}
	day := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, 7)
	for _, id := range doctorIDs {
		if gofakeit.Number(1, 5) != 1 {
			continue
		}
		start := day.AddDate(0, 0, gofakeit.Number(0, 4))
		batch.Queue(`
			INSERT INTO doctor_blackouts (id, doctor_id, starts_at, ends_at, reason)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.New(), id, start, start.Add(24*time.Hour), "Leave")
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, []any{uuid.New(), gofakeit.Name(), gofakeit.Email(), now, now})
	}

	n, err := pool.CopyFrom(ctx,
		pgx.Identifier{"patients"},
		[]string{"id", "name", "email", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy patients: %w", err)
	}
	return n, nil
}

func pick(values []string) string {
	return values[gofakeit.Number(0, len(values)-1)]
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
