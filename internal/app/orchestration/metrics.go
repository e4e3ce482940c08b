package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkerMetrics defines the metrics operations the dispatch loop records.
type WorkerMetrics interface {
	IncTasksDispatched(ctx context.Context, kind string)
	IncTasksSucceeded(ctx context.Context, kind string)
	IncTasksFailed(ctx context.Context, kind string)
	IncTasksRetried(ctx context.Context, kind string)
	IncTasksCanceled(ctx context.Context, kind string)
	ObserveTaskDuration(ctx context.Context, kind string, duration time.Duration)
	IncJobsFinished(ctx context.Context, status string)
	TrackTask(ctx context.Context, kind string, f func() error) error
}

type workerMetrics struct {
	tasksDispatched metric.Int64Counter
	tasksSucceeded  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	tasksRetried    metric.Int64Counter
	tasksCanceled   metric.Int64Counter
	taskDuration    metric.Float64Histogram
	activeTasks     metric.Int64UpDownCounter
	jobsFinished    metric.Int64Counter
}

const namespace = "worker"

// NewWorkerMetrics creates a worker metrics instance.
func NewWorkerMetrics(mp metric.MeterProvider) (*workerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error

	if m.tasksDispatched, err = meter.Int64Counter(
		"tasks_dispatched_total",
		metric.WithDescription("Total number of tasks picked from the queue"),
	); err != nil {
		return nil, err
	}

	if m.tasksSucceeded, err = meter.Int64Counter(
		"tasks_succeeded_total",
		metric.WithDescription("Total number of tasks that finished successfully"),
	); err != nil {
		return nil, err
	}

	if m.tasksFailed, err = meter.Int64Counter(
		"tasks_failed_total",
		metric.WithDescription("Total number of tasks that finished with a failure"),
	); err != nil {
		return nil, err
	}

	if m.tasksRetried, err = meter.Int64Counter(
		"tasks_retried_total",
		metric.WithDescription("Total number of tasks requeued after a retriable error"),
	); err != nil {
		return nil, err
	}

	if m.tasksCanceled, err = meter.Int64Counter(
		"tasks_canceled_total",
		metric.WithDescription("Total number of tasks canceled before or during processing"),
	); err != nil {
		return nil, err
	}

	if m.taskDuration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Wall-clock time spent processing one task"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.activeTasks, err = meter.Int64UpDownCounter(
		"active_tasks",
		metric.WithDescription("Number of tasks currently being processed"),
	); err != nil {
		return nil, err
	}

	if m.jobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Total number of jobs that reached a terminal state"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func kindAttr(kind string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}

func (m *workerMetrics) IncTasksDispatched(ctx context.Context, kind string) {
	m.tasksDispatched.Add(ctx, 1, kindAttr(kind))
}

func (m *workerMetrics) IncTasksSucceeded(ctx context.Context, kind string) {
	m.tasksSucceeded.Add(ctx, 1, kindAttr(kind))
}

func (m *workerMetrics) IncTasksFailed(ctx context.Context, kind string) {
	m.tasksFailed.Add(ctx, 1, kindAttr(kind))
}

func (m *workerMetrics) IncTasksRetried(ctx context.Context, kind string) {
	m.tasksRetried.Add(ctx, 1, kindAttr(kind))
}

func (m *workerMetrics) IncTasksCanceled(ctx context.Context, kind string) {
	m.tasksCanceled.Add(ctx, 1, kindAttr(kind))
}

func (m *workerMetrics) ObserveTaskDuration(ctx context.Context, kind string, duration time.Duration) {
	m.taskDuration.Record(ctx, duration.Seconds(), kindAttr(kind))
}

func (m *workerMetrics) IncJobsFinished(ctx context.Context, status string) {
	m.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// TrackTask runs f while counting it as active and records its duration.
func (m *workerMetrics) TrackTask(ctx context.Context, kind string, f func() error) error {
	m.activeTasks.Add(ctx, 1, kindAttr(kind))
	defer m.activeTasks.Add(ctx, -1, kindAttr(kind))

	start := time.Now()
	err := f()
	m.ObserveTaskDuration(ctx, kind, time.Since(start))
	return err
}

// noopMetrics is used when no meter provider is configured.
type noopMetrics struct{}

func (noopMetrics) IncTasksDispatched(context.Context, string)                {}
func (noopMetrics) IncTasksSucceeded(context.Context, string)                 {}
func (noopMetrics) IncTasksFailed(context.Context, string)                    {}
func (noopMetrics) IncTasksRetried(context.Context, string)                   {}
func (noopMetrics) IncTasksCanceled(context.Context, string)                  {}
func (noopMetrics) ObserveTaskDuration(context.Context, string, time.Duration) {}
func (noopMetrics) IncJobsFinished(context.Context, string)                   {}
func (noopMetrics) TrackTask(_ context.Context, _ string, f func() error) error {
	return f()
}
