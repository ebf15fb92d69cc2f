package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gallerio/pipeline/internal/blob"
	"github.com/gallerio/pipeline/internal/cleanup"
	"github.com/gallerio/pipeline/internal/config"
	"github.com/gallerio/pipeline/internal/db"
	"github.com/gallerio/pipeline/internal/faceapi"
	"github.com/gallerio/pipeline/internal/indexer"
	"github.com/gallerio/pipeline/internal/metrics"
	"github.com/gallerio/pipeline/internal/pipeerr"
	"github.com/gallerio/pipeline/internal/queue"
	"github.com/gallerio/pipeline/internal/ratelimit"
	"github.com/gallerio/pipeline/internal/uploads"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Println("🔥 Starting photo pipeline worker...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Database
	database, err := db.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer database.Close()

	// 2. Object store
	objects, err := blob.New(ctx, blob.Config{
		Bucket:    cfg.Blob.Bucket,
		Region:    cfg.Blob.Region,
		Endpoint:  cfg.Blob.Endpoint,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
	})
	if err != nil {
		log.Fatalf("object store: %v", err)
	}

	// 3. Face provider
	provider, err := buildProvider(ctx, cfg, database)
	if err != nil {
		log.Fatalf("face provider: %v", err)
	}

	// 4. Rate limiter: Redis-coordinated when Redis is reachable, otherwise
	// in-process (single-worker deployments).
	rlCfg := ratelimit.Config{
		TPS:             cfg.RateLimit.TPS,
		SafetyFactor:    cfg.RateLimit.SafetyFactor,
		ThrottlePenalty: cfg.RateLimit.ThrottlePenalty(),
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	var limiter ratelimit.Coordinator
	if rl, err := ratelimit.NewRedisLimiter(rdb, rlCfg, ""); err != nil {
		log.Printf("redis unavailable, using in-process rate limiter: %v", err)
		limiter = ratelimit.New(rlCfg)
	} else {
		limiter = rl
	}

	// 5. Queue transport and retry scheduler
	ps, err := queue.NewPubSub(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	defer ps.Close()

	var sched queue.Scheduler
	if cfg.Tasks.TargetBaseURL != "" {
		ts, err := queue.NewTasksScheduler(ctx, cfg.PubSub.ProjectID,
			cfg.Tasks.LocationID, cfg.Tasks.QueueID, cfg.Tasks.TargetBaseURL)
		if err != nil {
			log.Fatalf("cloud tasks: %v", err)
		}
		defer ts.Close()
		sched = ts
	} else {
		log.Println("no tasks target configured, retries held in-process")
		sched = queue.NewMemoryScheduler(ps)
	}

	policy := queue.RetryPolicy{
		Backoff: pipeerr.Backoff{
			Base:         time.Duration(cfg.Backoff.BaseSeconds) * time.Second,
			ThrottleBase: time.Duration(cfg.Backoff.ThrottleBaseSeconds) * time.Second,
			Cap:          time.Duration(cfg.Backoff.CapSeconds) * time.Second,
		},
		MaxAttempts: cfg.Backoff.MaxAttempts,
	}
	m := metrics.New()
	requeuer := queue.NewRequeuer(sched, policy, m)

	// 6. Processors
	uploadProc := uploads.New(uploads.Config{
		MaxFileSize:      cfg.Upload.MaxFileSize,
		NormalizeMaxDim:  cfg.Upload.NormalizeMaxDim,
		NormalizeQuality: cfg.Upload.NormalizeQuality,
		IndexTopic:       cfg.PubSub.IndexTopic,
	}, database, objects, ps, m)

	indexProc := indexer.New(indexer.Config{
		ProviderMaxBytes: cfg.Provider.MaxBytes,
	}, database, objects, provider, limiter, m)

	reconciler := cleanup.NewReconciler(database, provider, m)

	// 7. Consumers
	uploadSub, err := ps.Subscription(ctx, cfg.PubSub.UploadSubscription)
	if err != nil {
		log.Fatalf("upload subscription: %v", err)
	}
	indexSub, err := ps.Subscription(ctx, cfg.PubSub.IndexSubscription)
	if err != nil {
		log.Fatalf("index subscription: %v", err)
	}
	cleanupSub, err := ps.Subscription(ctx, cfg.PubSub.CleanupSubscription)
	if err != nil {
		log.Fatalf("cleanup subscription: %v", err)
	}

	consumers := []interface {
		Run(ctx context.Context) error
	}{
		queue.NewConsumer(uploadSub, cfg.PubSub.UploadTopic, requeuer, uploadProc.HandleMessage, m),
		queue.NewBatchConsumer(indexSub, cfg.PubSub.IndexTopic, requeuer, indexProc.HandleBatch, 10, 200*time.Millisecond, m),
		queue.NewConsumer(cleanupSub, cfg.PubSub.CleanupTopic, requeuer, reconciler.HandleMessage, m),
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c interface {
			Run(ctx context.Context) error
		}) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("consumer stopped: %v", err)
				stop()
			}
		}(c)
	}

	// 8. Ops server
	opsSrv := opsServer(cfg, database, ps, limiter)
	go func() {
		log.Printf("✅ Ops server listening on :%d", cfg.Server.OpsPort)
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ops server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("shutting down, draining consumers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = opsSrv.Shutdown(shutdownCtx)
	wg.Wait()
	log.Println("pipeline worker stopped")
}

// buildProvider picks the configured face provider implementation.
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

// opsServer exposes health, metrics, the rate-limiter status and the Cloud
// Tasks requeue callback.
func opsServer(cfg *config.Config, database *db.DB, ps *queue.PubSub, limiter ratelimit.Coordinator) *http.Server {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		if err := database.Ping(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := ps.HealthCheck(ctx, cfg.PubSub.IndexTopic); err != nil {
			http.Error(w, "pubsub unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	r.HandleFunc("/ratelimit/status", func(w http.ResponseWriter, req *http.Request) {
		st, err := limiter.Status(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/internal/requeue", queue.RequeueHandler(ps)).Methods(http.MethodPost)

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.OpsPort),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
