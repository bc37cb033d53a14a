package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/circleofcare/platform/internal/community"
	"github.com/circleofcare/platform/internal/config"
	"github.com/circleofcare/platform/internal/hub"
	"github.com/circleofcare/platform/internal/messaging"
	"github.com/circleofcare/platform/internal/review"
)

// repeatWindow is the lookback used for repeat-offender logging. Several
// reports inside this window get surfaced loudly for the on-call moderator.
const repeatWindow = 24 * time.Hour

// repeatThreshold is how many reports in the window trigger the loud log.
const repeatThreshold = 3

func main() {
	log.Println("Circle of Care moderation review service starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Postgres setup.
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open Postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := community.Migrate(db); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}
	store := review.NewStore(db)

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "circleofcare-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Persist every flagged or blocked message for human review.
	err = natsClient.SubscribeModerationReports(func(data []byte) {
		var report hub.ModerationReport
		if err := json.Unmarshal(data, &report); err != nil {
			log.Printf("moderator: failed to unmarshal report: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rec := &review.Record{
			CommunityID: report.CommunityID,
			MemberID:    report.MemberID,
			MemberName:  report.MemberName,
			Message:     report.Body,
			Term:        report.Term,
			Outcome:     report.Outcome,
			ReportedAt:  time.Unix(report.Ts, 0).UTC(),
		}
		if err := store.Create(ctx, rec); err != nil {
			log.Printf("moderator: failed to store report member=%s: %v", report.MemberID, err)
			return
		}

		log.Printf("moderator: stored %s message community=%s member=%s term=%q",
			report.Outcome, report.CommunityID, report.MemberID, report.Term)

		count, err := store.CountRecent(ctx, report.MemberID, repeatWindow)
		if err != nil {
			log.Printf("moderator: repeat check failed member=%s: %v", report.MemberID, err)
			return
		}
		if count >= repeatThreshold {
			log.Printf("moderator: REPEAT OFFENDER member=%s reports=%d window=%s",
				report.MemberID, count, repeatWindow)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to moderation reports: %v", err)
	}

	// Crisis escalations are logged for on-call visibility.
	err = natsClient.SubscribeCrisisEvents(func(data []byte) {
		var ev struct {
			MemberID string `json:"member_id"`
			Severity string `json:"severity"`
			Fallback bool   `json:"fallback"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("moderator: failed to unmarshal crisis event: %v", err)
			return
		}
		log.Printf("moderator: CRISIS escalation member=%s severity=%s fallback=%v",
			ev.MemberID, ev.Severity, ev.Fallback)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to crisis events: %v", err)
	}

	log.Printf("Circle of Care moderation review service running")
	log.Printf("  nats_url: %s", cfg.NATSURL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	db.Close()
}
