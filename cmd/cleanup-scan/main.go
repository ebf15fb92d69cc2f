// cleanup-scan is the scheduled entry point (cron or Cloud Scheduler) that
// selects expired events and hands them to the cleanup reconciler. By
// default it publishes CleanupJobs for the pipeline worker; -inline runs the
// reconciler in-process for single-process deployments.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/gallerio/pipeline/internal/cleanup"
	"github.com/gallerio/pipeline/internal/config"
	"github.com/gallerio/pipeline/internal/db"
	"github.com/gallerio/pipeline/internal/faceapi"
	"github.com/gallerio/pipeline/internal/queue"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	inline := flag.Bool("inline", false, "run the reconciler in-process instead of enqueueing jobs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	database, err := db.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer database.Close()

	var pub queue.Publisher
	var reconciler *cleanup.Reconciler

	if *inline {
		provider, err := buildProvider(ctx, cfg, database)
		if err != nil {
			log.Fatalf("face provider: %v", err)
		}
		reconciler = cleanup.NewReconciler(database, provider, nil)
	} else {
		ps, err := queue.NewPubSub(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			log.Fatalf("pubsub: %v", err)
		}
		defer ps.Close()
		pub = ps
	}

	scanner := cleanup.NewScanner(cleanup.Config{
		Retention:    cfg.Cleanup.Retention(),
		BatchSize:    cfg.Cleanup.BatchSize,
		CleanupTopic: cfg.PubSub.CleanupTopic,
		Inline:       *inline,
	}, database, pub, reconciler)

	if err := scanner.Run(ctx); err != nil {
		log.Fatalf("cleanup scan: %v", err)
	}
	log.Println("cleanup scan finished")
}

func buildProvider(ctx context.Context, cfg *config.Config, database *db.DB) (faceapi.Provider, error) {
	opts := faceapi.Options{
		MaxFacesPerImage: cfg.Provider.MaxFacesPerImage,
		QualityFilter:    cfg.Provider.QualityFilter,
	}
	switch cfg.Provider.Kind {
	case "rekognition":
		return faceapi.NewRekognition(ctx, cfg.Provider.Region, opts)
	case "selfhosted":
		if cfg.Provider.DetectorURL == "" {
			return nil, fmt.Errorf("provider.detector_url required for selfhosted")
		}
		return faceapi.NewSelfHosted(cfg.Provider.DetectorURL, database.Pool(), opts), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}
