// fake-service is a simulated backend worker used for local development
// and load testing. It consumes creation events, optionally filters by
// task type, and publishes a progress event followed by exactly one
// terminal event per task. FAIL_FIRST_N and RESPONSE_DELAY_MS shape the
// failure and latency profile.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/kbellamy/taskpilot/internal/config"
	"github.com/kbellamy/taskpilot/internal/event"
	"github.com/kbellamy/taskpilot/internal/logging"
	"github.com/kbellamy/taskpilot/internal/tracing"
	"github.com/kbellamy/taskpilot/internal/transport"
)

type fakeService struct {
	name      string
	taskTypes map[string]bool // empty means all
	failFirst int64
	delay     time.Duration
	pub       *transport.NSQPublisher
	streams   event.Streams
	logger    *logging.Logger

	handled atomic.Int64
}

func (f *fakeService) HandleMessage(m *nsq.Message) error {
	env, err := event.Decode(m.Body)
	if err != nil {
		f.logger.Plain().WithError(err).Error("bad creation event, dropping")
		return nil
	}
	var data event.CreateData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.TaskID == "" {
		f.logger.Plain().WithEvent(env.EventID).Error("bad creation payload, dropping")
		return nil
	}
	if len(f.taskTypes) > 0 && !f.taskTypes[data.TaskType] {
		return nil
	}

	ctx := tracing.ExtractTraceFromStream(context.Background(), env.TraceHeaders)
	log := f.logger.WithContext(ctx).WithTask(data.TaskID).WithEvent(env.EventID)

	// Announce start of work before doing anything.
	progress, err := event.New(event.TypeTaskProgress, event.ProgressData{
		TaskID:   data.TaskID,
		Status:   "processing",
		WorkerID: f.name,
	})
	if err == nil {
		progress.TraceHeaders = env.TraceHeaders
		if err := f.pub.Publish(f.streams.Progress(), progress); err != nil {
			log.WithError(err).Warn("progress publish failed")
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	start := time.Now()
	n := f.handled.Add(1)
	var terminal event.Envelope
	if n <= f.failFirst {
		terminal, err = event.New(event.TypeTaskFailed, event.FailedData{
			TaskID: data.TaskID,
			Status: "failed",
			Error: event.ErrorDetail{
				Code:    "SIMULATED_FAILURE",
				Message: fmt.Sprintf("fake-service failing first %d tasks", f.failFirst),
			},
			DurationMS: time.Since(start).Milliseconds(),
			FailedBy:   f.name,
		})
	} else {
		result, _ := json.Marshal(map[string]any{
			"handled_by": f.name,
			"task_type":  data.TaskType,
			"sequence":   n,
		})
		terminal, err = event.New(event.TypeTaskCompleted, event.CompletedData{
			TaskID:      data.TaskID,
			Status:      "success",
			Result:      result,
			DurationMS:  time.Since(start).Milliseconds(),
			CompletedBy: f.name,
		})
	}
	if err != nil {
		log.WithError(err).Error("build terminal event")
		return nil
	}
	terminal.TraceHeaders = env.TraceHeaders

	stream, _ := f.streams.ForType(terminal.EventType)
	if err := f.pub.Publish(stream, terminal); err != nil {
		// Returning the error requeues the creation event; the store's
		// terminal guard absorbs the duplicate work.
		log.WithStream(stream).WithError(err).Error("terminal event publish failed")
		return err
	}
	log.WithField("event_type", terminal.EventType).Info("task handled")
	return nil
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("taskpilot-fake-service")

	name := os.Getenv("SERVICE_NAME")
	if name == "" {
		name = "fake-service"
	}

	taskTypes := map[string]bool{}
	if raw := os.Getenv("TASK_TYPES"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				taskTypes[t] = true
			}
		}
	}

	failFirst := int64(0)
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		fmt.Sscanf(v, "%d", &failFirst)
	}
	delay := time.Duration(0)
	if v := os.Getenv("RESPONSE_DELAY_MS"); v != "" {
		var ms int64
		fmt.Sscanf(v, "%d", &ms)
		delay = time.Duration(ms) * time.Millisecond
	}

	pub, err := transport.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer pub.Stop()

	svc := &fakeService{
		name:      name,
		taskTypes: taskTypes,
		failFirst: failFirst,
		delay:     delay,
		pub:       pub,
		streams:   event.Streams{Namespace: cfg.Tasks.Namespace},
		logger:    logger,
	}

	// Each named service is its own consumer group on the creation stream,
	// so multiple fake services each see every creation event.
	member, err := transport.NewGroupConsumer(transport.ConsumerOpts{
		Stream:      svc.streams.Create(),
		Group:       name,
		MaxInFlight: cfg.NSQ.MaxInFlight,
		Concurrency: cfg.Consumer.Concurrency,
	}, svc)
	if err != nil {
		logger.Plain().WithError(err).Fatal("consumer creation failed")
	}
	if err := member.Connect(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("consumer connect failed")
	}

	logger.Plain().WithFields(map[string]any{
		"service":      name,
		"task_types":   len(taskTypes),
		"fail_first_n": failFirst,
		"delay":        delay.String(),
	}).Info("fake service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down fake service")
	member.Stop()
	logger.Plain().Info("fake service stopped")
}
