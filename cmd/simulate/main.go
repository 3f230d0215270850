package main

// Booking storm harness: fires concurrent bookings at one date through the
// HTTP API and then verifies the numbering invariant directly in Postgres —
// every non-cancelled entry for the date holds a distinct number and the
// numbers run 1..n without gaps.

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicware/clinic-queue/internal/db"
)

type simConfig struct {
	apiBaseURL string
	date       string
	workers    int
	dsn        string
}

type counters struct {
	success   int64
	duplicate int64
	full      int64
	contended int64
	failed    int64
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := simConfig{dsn: os.Getenv("POSTGRES_DSN")}
	flag.StringVar(&cfg.apiBaseURL, "api", "http://127.0.0.1:8080", "API base URL")
	flag.StringVar(&cfg.date, "date", time.Now().AddDate(0, 0, 1).Format("2006-01-02"), "appointment date to storm")
	flag.IntVar(&cfg.workers, "workers", 50, "concurrent booking workers")
	flag.Parse()

	if cfg.dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, cfg.dsn, 5)
	cancel()
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	patients, err := loadPatients(context.Background(), pool, cfg.workers)
	if err != nil {
		log.Fatalf("load patients: %v", err)
	}
	if len(patients) < cfg.workers {
		log.Fatalf("need %d patients, found %d (run cmd/seed first)", cfg.workers, len(patients))
	}

	log.Printf("storming %s with %d concurrent bookings", cfg.date, cfg.workers)

	var c counters
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < cfg.workers; i++ {
		wg.Add(1)
		go func(patientID uuid.UUID) {
			defer wg.Done()
			bookOnce(cfg, patientID, &c)
		}(patients[i])
	}
	wg.Wait()

	log.Printf("done in %s: success=%d duplicate=%d full=%d contended=%d failed=%d",
		time.Since(start),
		atomic.LoadInt64(&c.success),
		atomic.LoadInt64(&c.duplicate),
		atomic.LoadInt64(&c.full),
		atomic.LoadInt64(&c.contended),
		atomic.LoadInt64(&c.failed),
	)

	if err := verifyNumbering(context.Background(), pool, cfg.date); err != nil {
		log.Fatalf("NUMBERING INVARIANT VIOLATED: %v", err)
	}
	log.Println("numbering invariant holds")
}

func loadPatients(ctx context.Context, pool *pgxpool.Pool, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func bookOnce(cfg simConfig, patientID uuid.UUID, c *counters) {
	body, _ := json.Marshal(map[string]string{
		"appointment_date": cfg.date,
		"patient_id":       patientID.String(),
	})

	resp, err := http.Post(cfg.apiBaseURL+"/queues", "application/json", bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&c.failed, 1)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		atomic.AddInt64(&c.success, 1)
		return
	}

	var errResp struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &errResp)

	switch errResp.Error {
	case "duplicate_booking":
		atomic.AddInt64(&c.duplicate, 1)
	case "capacity_exceeded":
		atomic.AddInt64(&c.full, 1)
	case "date_contended":
		atomic.AddInt64(&c.contended, 1)
	default:
		atomic.AddInt64(&c.failed, 1)
		log.Printf("unexpected response %d: %s", resp.StatusCode, raw)
	}
}

func verifyNumbering(ctx context.Context, pool *pgxpool.Pool, date string) error {
	rows, err := pool.Query(ctx, `
		SELECT queue_number
		FROM queue_entries
		WHERE appointment_date = $1::date
		ORDER BY queue_number ASC
	`, date)
	if err != nil {
		return err
	}
	defer rows.Close()

	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return err
		}
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sort.Ints(numbers)
	for i, n := range numbers {
		if n != i+1 {
			return fmt.Errorf("expected number %d at position %d, got %d (numbers: %v)", i+1, i, n, numbers)
		}
	}

	log.Printf("verified %d entries numbered 1..%d", len(numbers), len(numbers))
	return nil
}
