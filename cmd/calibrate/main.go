// Command calibrate runs one offline IRT calibration pass over the
// accumulated response log: filter, MML estimation, bootstrap standard
// errors, transactional commit, fit validation. Anchors are held fixed.
// Meant for cron; --dry-run reports without committing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mindgauge/backend/internal/calibration"
	"github.com/mindgauge/backend/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	dryRun := flag.Bool("dry-run", false, "Estimate and report without committing updates")
	asJSON := flag.Bool("json", false, "Print the full report as JSON")
	minResponses := flag.Int("min-responses", 0, "Override the per-item response floor (0 = default)")
	bootstrap := flag.Int("bootstrap", 0, "Override the bootstrap iteration count (0 = default)")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall run deadline")
	flag.Parse()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		log.Fatalf("DATABASE_URL must be set; calibration reads the shared response log")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pg, err := store.OpenPostgres(ctx, url, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer pg.Close()

	cfg := calibration.DefaultConfig()
	if *minResponses > 0 {
		cfg.MinResponsesForCalibration = *minResponses
	}
	if *bootstrap > 0 {
		cfg.BootstrapIterations = *bootstrap
	}

	pipeline := calibration.NewPipeline(pg, pg, calibrationSink{store: pg}, cfg, logger)

	report, err := pipeline.Run(ctx, *dryRun)
	if err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Fatalf("Failed to encode report: %v", err)
		}
		return
	}
	printReport(report)
}

// calibrationSink bridges the pipeline's update records onto the
// store's transactional bulk write.
type calibrationSink struct {
	store *store.Postgres
}

func (s calibrationSink) UpdateCalibration(ctx context.Context, updates []calibration.ItemUpdate) error {
	out := make([]store.ItemCalibration, len(updates))
	for i, u := range updates {
		out[i] = store.ItemCalibration{
			ItemID:    u.ItemID,
			A:         u.A,
			B:         u.B,
			SEA:       u.SEA,
			SEB:       u.SEB,
			InfoPeak:  u.InfoPeak,
			ResponseN: u.ResponseN,
		}
	}
	return s.store.UpdateCalibration(ctx, out)
}

func printReport(r *calibration.Report) {
	separator := "============================================================"

	fmt.Println(separator)
	fmt.Println("CALIBRATION REPORT")
	fmt.Println(separator)
	fmt.Printf("Items calibrated:   %d\n", r.ItemsCalibrated)
	fmt.Printf("Anchors held:       %d\n", r.AnchorsHeld)
	fmt.Printf("Examinees:          %d\n", r.Examinees)
	fmt.Printf("EM iterations:      %d\n", r.EMIterations)
	if r.BootstrapRan {
		fmt.Println("Bootstrap:          ran")
	} else {
		fmt.Println("Bootstrap:          skipped (too few examinees)")
	}
	if v := r.Validation; v != nil {
		fmt.Printf("Fit validation:     r=%.3f rmse=%.3f (%s, %d items)\n", v.PearsonR, v.RMSE, v.Category, v.Items)
	} else {
		fmt.Println("Fit validation:     skipped")
	}
	fmt.Printf("Duration:           %v\n", r.Duration.Round(time.Millisecond))
	if r.DryRun {
		fmt.Println("Dry run:            no updates were committed")
	}
	fmt.Println(separator)
}
