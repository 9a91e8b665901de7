package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-booking/internal/config"
	"github.com/hackgods/doctor-booking/internal/db"
	"github.com/hackgods/doctor-booking/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	APIKey       string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CancelRatio  float64
	ReadRatio    float64
	RetryRatio   float64 // share of bookings sent twice with one idempotency key
	DoctorLimit  int
	PatientLimit int
	Days         int
	PostgresDSN  string
}

type DataPool struct {
	Doctors      []uuid.UUID
	Patients     []uuid.UUID
	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]
	return avg, min, max, p50, p95
}

type Metrics struct {
	Booking  OperationMetrics
	Retried  OperationMetrics
	Cancel   OperationMetrics
	ReadByID OperationMetrics
	List     OperationMetrics

	replays          int64
	inProgress       int64
	duplicateCreates int64
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  zerolog.Logger
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(baseCfg, "simulate")

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid simulator config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Float64("retry", cfg.RetryRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, "simulate", 4)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("doctors", len(dataPool.Doctors)).Int("patients", len(dataPool.Patients)).Msg("data loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport()

	overlaps, err := verifyNoOverlaps(context.Background(), pgPool)
	if err != nil {
		logger.Fatal().Err(err).Msg("verify overlaps")
	}
	if overlaps > 0 || sim.metrics.duplicateCreates > 0 {
		logger.Error().Int64("overlapping_pairs", overlaps).Int64("duplicate_creates", sim.metrics.duplicateCreates).Msg("consistency check FAILED")
		os.Exit(1)
	}
	logger.Info().Msg("consistency check passed: no overlapping active appointments, no duplicate idempotent creates")
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		APIKey:       base.ServiceAPIKey,
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.6),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		RetryRatio:   getFloat("SIM_RETRY_RATIO", 0.2),
		DoctorLimit:  getInt("SIM_DOCTOR_LIMIT", 5),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 1000),
		Days:         getInt("SIM_DAYS", 3),
		PostgresDSN:  base.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Days <= 0 {
		return fmt.Errorf("SIM_DAYS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	load := func(sql string, limit int, dst *[]uuid.UUID) error {
		rows, err := pool.Query(ctx, sql, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			*dst = append(*dst, id)
		}
		return rows.Err()
	}

	// few doctors on purpose, so requests collide
	if err := load(`SELECT id FROM doctors ORDER BY id LIMIT $1`, cfg.DoctorLimit, &dataPool.Doctors); err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	if err := load(`SELECT id FROM patients LIMIT $1`, cfg.PatientLimit, &dataPool.Patients); err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}

	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors loaded, run cmd/seed first")
	}
	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			if rng.Float64() < s.config.RetryRatio {
				s.doRetriedBooking(ctx, rng)
			} else {
				s.doBooking(ctx, rng)
			}
		case r < s.config.BookingRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doReadByID(ctx, rng)
			} else {
				s.doList(ctx, rng)
			}
		}
	}
}

// randomBooking picks a start on a 15 minute grid and a 30 or 45 minute
// length, so many requests partially overlap.
func (s *Simulator) randomBooking(rng *rand.Rand) []byte {
	day := time.Now().UTC().AddDate(0, 0, 1+rng.Intn(s.config.Days))
	startMin := 9*60 + 15*rng.Intn(28)
	endMin := startMin + 30 + 15*rng.Intn(2)

	body, _ := json.Marshal(map[string]string{
		"doctor_id":  s.pool.Doctors[rng.Intn(len(s.pool.Doctors))].String(),
		"patient_id": s.pool.Patients[rng.Intn(len(s.pool.Patients))].String(),
		"date":       day.Format("2006-01-02"),
		"start_time": fmt.Sprintf("%02d:%02d", startMin/60, startMin%60),
		"end_time":   fmt.Sprintf("%02d:%02d", endMin/60, endMin%60),
	})
	return body
}

type bookResult struct {
	status   int
	id       uuid.UUID
	replayed bool
	errCode  string
	latency  time.Duration
	err      error
}

func (s *Simulator) post(ctx context.Context, path string, body []byte, idemKey string) bookResult {
	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.config.APIKey)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := s.client.Do(req)
	res := bookResult{latency: time.Since(start), err: err}
	if err != nil {
		return res
	}
	defer resp.Body.Close()

	res.status = resp.StatusCode
	res.replayed = resp.Header.Get("Idempotent-Replayed") == "true"
	raw, _ := io.ReadAll(resp.Body)
	var payload struct {
		ID    uuid.UUID `json:"id"`
		Error string    `json:"error"`
	}
	_ = json.Unmarshal(raw, &payload)
	res.id, res.errCode = payload.ID, payload.Error
	return res
}

// contended reports a lost race for the slot or for the doctor's lock.
func (r bookResult) contended() bool {
	return r.status == http.StatusConflict || r.errCode == "doctor_busy"
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	res := s.post(ctx, "/appointments", s.randomBooking(rng), "")
	if res.status == http.StatusCreated && res.id != uuid.Nil {
		s.pool.AddAppointment(res.id)
	}
	s.metrics.Booking.Record(res.latency, res.status == http.StatusCreated, res.contended())
}

// doRetriedBooking sends the same request twice at once under one key, as a
// client retrying on a timeout would. At most one of them may create.
func (s *Simulator) doRetriedBooking(ctx context.Context, rng *rand.Rand) {
	body := s.randomBooking(rng)
	key := "sim-" + gofakeit.UUID()

	results := make([]bookResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.post(ctx, "/appointments", body, key)
		}(i)
	}
	wg.Wait()

	// a third, sequential retry must replay whatever was frozen
	results = append(results, s.post(ctx, "/appointments", body, key))

	created := make(map[uuid.UUID]bool)
	for _, res := range results {
		switch {
		case res.replayed:
			atomic.AddInt64(&s.metrics.replays, 1)
		case res.errCode == "request_in_progress":
			atomic.AddInt64(&s.metrics.inProgress, 1)
		}
		if res.status == http.StatusCreated && res.id != uuid.Nil {
			created[res.id] = true
		}
		s.metrics.Retried.Record(res.latency, res.status == http.StatusCreated, res.contended())
	}
	if len(created) > 1 {
		atomic.AddInt64(&s.metrics.duplicateCreates, 1)
		s.logger.Error().Str("idempotency_key", key).Int("created", len(created)).Msg("idempotent booking created twice")
	}
	for id := range created {
		s.pool.AddAppointment(id)
	}
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	res := s.post(ctx, "/appointments/"+apptID.String()+"/cancel", []byte(`{"reason":"simulated"}`), "")
	s.metrics.Cancel.Record(res.latency, res.status == http.StatusOK, res.status == http.StatusUnprocessableEntity)
}

func (s *Simulator) get(ctx context.Context, url string) (int, time.Duration) {
	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	req.Header.Set("X-API-Key", s.config.APIKey)
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, latency
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	code, latency := s.get(ctx, fmt.Sprintf("%s/appointments/%s", s.config.APIBaseURL, apptID))
	s.metrics.ReadByID.Record(latency, code == http.StatusOK, false)
}

func (s *Simulator) doList(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	code, latency := s.get(ctx, fmt.Sprintf("%s/appointments?doctor_id=%s&status=BOOKED&limit=20", s.config.APIBaseURL, doctorID))
	s.metrics.List.Record(latency, code == http.StatusOK, false)
}

// verifyNoOverlaps counts pairs of active appointments of one doctor whose
// half-open intervals intersect. Anything but zero is a booking bug.
func verifyNoOverlaps(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	var n int64
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN appointments b
		  ON a.doctor_id = b.doctor_id
		 AND a.id < b.id
		 AND a.start_at_utc < b.end_at_utc
		 AND b.start_at_utc < a.end_at_utc
		WHERE a.status IN ('BOOKED', 'RESCHEDULED')
		  AND b.status IN ('BOOKED', 'RESCHEDULED')
	`).Scan(&n)
	return n, err
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Booking (same key x3)", &s.metrics.Retried)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by doctor", &s.metrics.List)

	fmt.Printf("Idempotency: replays=%d in_progress=%d duplicate_creates=%d\n\n",
		atomic.LoadInt64(&s.metrics.replays),
		atomic.LoadInt64(&s.metrics.inProgress),
		atomic.LoadInt64(&s.metrics.duplicateCreates))
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
