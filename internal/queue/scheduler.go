package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Scheduler re-enqueues a message onto a topic after a delay. Pub/Sub nack
// cannot express the classifier's computed backoff, so retries go through
// here instead.
type Scheduler interface {
	Schedule(ctx context.Context, topic string, data []byte, attrs map[string]string, delay time.Duration) error
}

// ============================================================================
// IN-MEMORY SCHEDULER (single-process fallback)
// ============================================================================

// MemoryScheduler holds the delayed message in-process and publishes it when
// the timer fires. A crash loses pending retries, which is acceptable in the
// single-process fallback deployment: the queue's at-least-once delivery
// re-surfaces the original message.
type MemoryScheduler struct {
	pub    Publisher
	logger *log.Logger
}

// NewMemoryScheduler creates the in-process fallback scheduler.
func NewMemoryScheduler(pub Publisher) *MemoryScheduler {
	return &MemoryScheduler{
		pub:    pub,
		logger: log.New(log.Writer(), "[RETRY] ", log.LstdFlags),
	}
}

// Schedule publishes the message to the topic after the delay elapses.
func (s *MemoryScheduler) Schedule(_ context.Context, topic string, data []byte, attrs map[string]string, delay time.Duration) error {
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.pub.Publish(ctx, topic, data, attrs); err != nil {
			s.logger.Printf("delayed republish to %s failed: %v", topic, err)
		}
	})
	return nil
}

// ============================================================================
// CLOUD TASKS SCHEDULER (durable)
// ============================================================================

// requeueEnvelope is the HTTP body a Cloud Task posts back to the worker.
type requeueEnvelope struct {
	Topic      string            `json:"topic"`
	Data       json.RawMessage   `json:"data"`
	Attributes map[string]string `json:"attributes"`
}

// TasksScheduler schedules retries as Cloud Tasks HTTP tasks. Each task
// fires at now+delay and POSTs the envelope to the worker's /internal/requeue
// endpoint, which publishes it back onto the topic. Cloud Tasks gives the
// retry durability that the in-memory scheduler lacks.
type TasksScheduler struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	logger    *log.Logger
}

// NewTasksScheduler creates a Cloud Tasks-backed scheduler.
// targetBaseURL is the externally reachable base URL of the worker's ops
// server, e.g. "https://pipeline.internal:9090".
func NewTasksScheduler(ctx context.Context, projectID, locationID, queueID, targetBaseURL string) (*TasksScheduler, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	ts := &TasksScheduler{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL: targetBaseURL + "/internal/requeue",
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	ts.logger.Printf("✅ Connected to Cloud Tasks queue: %s", ts.queuePath)
	return ts, nil
}

// Schedule enqueues one HTTP task that re-publishes the message at
// now+delay.
func (s *TasksScheduler) Schedule(ctx context.Context, topic string, data []byte, attrs map[string]string, delay time.Duration) error {
	body, err := json.Marshal(requeueEnvelope{Topic: topic, Data: data, Attributes: attrs})
	if err != nil {
		return fmt.Errorf("marshal requeue envelope: %w", err)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			ScheduleTime: timestamppb.New(time.Now().Add(delay)),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        s.targetURL,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       body,
				},
			},
		},
	}

	if _, err := s.client.CreateTask(ctx, req); err != nil {
		return fmt.Errorf("create retry task for %s: %w", topic, err)
	}
	return nil
}

// Close shuts down the Cloud Tasks client.
func (s *TasksScheduler) Close() error {
	return s.client.Close()
}

// RequeueHandler returns the HTTP handler Cloud Tasks posts back to. Mounted
// on the ops server under /internal/requeue.
func RequeueHandler(pub Publisher) http.HandlerFunc {
	logger := log.New(log.Writer(), "[REQUEUE] ", log.LstdFlags)

	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		var env requeueEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.Topic == "" {
			http.Error(w, "bad envelope", http.StatusBadRequest)
			return
		}

		if err := pub.Publish(r.Context(), env.Topic, env.Data, env.Attributes); err != nil {
			logger.Printf("republish to %s failed: %v", env.Topic, err)
			// Non-2xx makes Cloud Tasks retry the task.
			http.Error(w, "publish failed", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

var (
	_ Scheduler = (*MemoryScheduler)(nil)
	_ Scheduler = (*TasksScheduler)(nil)
)
