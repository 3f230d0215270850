package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicware/clinic-queue/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, 5)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedPracticeSettings(context.Background(), pool); err != nil {
		log.Fatalf("seed practice settings: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 500); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

func seedPracticeSettings(ctx context.Context, pool *pgxpool.Pool) error {
	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM practice_settings WHERE is_active = true`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		log.Println("active practice settings already present, skipping")
		return nil
	}

	log.Println("seeding default practice settings")

	_, err := pool.Exec(ctx, `
		INSERT INTO practice_settings
			(id, doctor_name, practice_name, operating_days, operating_hours,
			 max_slots_per_day, allow_walk_in, cancellation_deadline_minutes, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, '[1,2,3,4,5]', '{"start":"08:00","end":"17:00"}', 30, true, 120, true, now(), now())
	`, uuid.New(), "dr. "+gofakeit.Name(), gofakeit.Company()+" Clinic")
	return err
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		phone := gofakeit.Phone()

		_, err := tx.Exec(ctx, `
			INSERT INTO patients (id, full_name, phone_number, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, phone)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
