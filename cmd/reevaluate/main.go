// Command reevaluate re-scores the item bank's heuristic quality
// fields from the accumulated response log and toggles review flags:
// items with extreme difficulty or weak discrimination go under_review,
// recovered items return to normal. Deactivated items are left alone.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mindgauge/backend/internal/domain"
	"github.com/mindgauge/backend/internal/store"
)

// Exit codes, per the operational contract of the job.
const (
	exitOK       = 0
	exitPartial  = 1
	exitComplete = 2
	exitConfig   = 3
	exitDatabase = 4
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	types := flag.String("types", "", "Comma-separated cognitive domains to include (default: all)")
	difficulties := flag.String("difficulties", "", "Comma-separated difficulty tiers to include (default: all)")
	dryRun := flag.Bool("dry-run", false, "Report without writing")
	minScore := flag.Float64("min-score", 0.5, "Quality score below which an item is flagged for review")
	limit := flag.Int("limit", 0, "Cap on the number of items to evaluate (0 = no cap)")
	onlyRecalc := flag.Bool("only-recalculate", false, "Recompute classical stats without toggling review flags")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall run deadline")
	flag.Parse()

	opts := options{
		minScore:   *minScore,
		limit:      *limit,
		dryRun:     *dryRun,
		onlyRecalc: *onlyRecalc,
	}

	var err error
	if opts.domains, err = parseDomains(*types); err != nil {
		fmt.Fprintf(os.Stderr, "reevaluate: %v\n", err)
		return exitConfig
	}
	if opts.difficulties, err = parseDifficulties(*difficulties); err != nil {
		fmt.Fprintf(os.Stderr, "reevaluate: %v\n", err)
		return exitConfig
	}
	if opts.minScore < 0 || opts.minScore > 1 {
		fmt.Fprintln(os.Stderr, "reevaluate: --min-score must be within [0,1]")
		return exitConfig
	}
	if opts.limit < 0 {
		fmt.Fprintln(os.Stderr, "reevaluate: --limit must be >= 0")
		return exitConfig
	}

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		fmt.Fprintln(os.Stderr, "reevaluate: DATABASE_URL must be set")
		return exitConfig
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pg, err := store.OpenPostgres(ctx, url, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reevaluate: opening store: %v\n", err)
		return exitDatabase
	}
	defer pg.Close()

	report, err := review(ctx, pg, opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reevaluate: %v\n", err)
		return exitDatabase
	}

	printReport(report)
	return exitCode(report)
}

// exitCode maps the tally onto the job's exit contract: every attempted
// write failing is a complete failure, some failing is a partial one.
func exitCode(r *reviewReport) int {
	switch {
	case r.Failed == 0:
		return exitOK
	case r.Failed == r.Evaluated:
		return exitComplete
	default:
		return exitPartial
	}
}

func parseDomains(s string) ([]domain.Domain, error) {
	if s == "" {
		return nil, nil
	}
	var out []domain.Domain
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		d := domain.Domain(tok)
		if !knownDomain(d) {
			return nil, fmt.Errorf("unknown domain %q", tok)
		}
		out = append(out, d)
	}
	return out, nil
}

func knownDomain(d domain.Domain) bool {
	for _, known := range domain.Domains {
		if d == known {
			return true
		}
	}
	return false
}

func parseDifficulties(s string) ([]domain.Difficulty, error) {
	if s == "" {
		return nil, nil
	}
	var out []domain.Difficulty
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		switch d := domain.Difficulty(tok); d {
		case domain.DifficultyEasy, domain.DifficultyMedium, domain.DifficultyHard:
			out = append(out, d)
		default:
			return nil, fmt.Errorf("unknown difficulty %q", tok)
		}
	}
	return out, nil
}

func printReport(r *reviewReport) {
	separator := "============================================================"

	fmt.Println(separator)
	fmt.Println("ITEM REEVALUATION")
	fmt.Println(separator)
	fmt.Printf("Evaluated:   %d\n", r.Evaluated)
	fmt.Printf("Flagged:     %d\n", r.Flagged)
	fmt.Printf("Restored:    %d\n", r.Restored)
	fmt.Printf("Unchanged:   %d\n", r.Unchanged)
	fmt.Printf("Skipped:     %d (deactivated or too few responses)\n", r.Skipped)
	fmt.Printf("Failed:      %d\n", r.Failed)
	if r.DryRun {
		fmt.Println("Dry run:     nothing was written")
	}
	fmt.Println(separator)
}
