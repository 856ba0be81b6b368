package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/sentinel-gateway/internal/correlation"
	"github.com/cuongbtq/sentinel-gateway/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	err  error
}

func (f *fakeJobs) GetJobByID(_ context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

type notification struct {
	jobID         string
	status        domain.JobStatus
	incidents     []domain.Incident
	incidentCount *int
	correlationID string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (f *fakeNotifier) NotifyJobFinished(ctx context.Context, jobID string, status domain.JobStatus, incidents []domain.Incident, incidentCount *int) {
	id, _ := correlation.Get(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notification{
		jobID:         jobID,
		status:        status,
		incidents:     incidents,
		incidentCount: incidentCount,
		correlationID: id,
	})
}

func (f *fakeNotifier) snapshot() []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification{}, f.calls...)
}

type settlement struct {
	acked   bool
	requeue bool
}

// fakeAcknowledger records how each delivery tag was settled
type fakeAcknowledger struct {
	mu      sync.Mutex
	settled map[uint64]settlement
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: map[uint64]settlement{}}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = settlement{acked: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = settlement{requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) get(tag uint64) (settlement, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.settled[tag]
	return s, ok
}

type fakeSource struct {
	deliveries chan amqp.Delivery
	once       sync.Once
}

func (f *fakeSource) Qos(int) error { return nil }

func (f *fakeSource) Consume(string, string) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeSource) Cancel(string) error {
	f.once.Do(func() { close(f.deliveries) })
	return nil
}

func intPtr(v int) *int { return &v }

func newTestConsumer(jobs *fakeJobs, notifier *fakeNotifier, source *fakeSource) *Consumer {
	return NewConsumer(&Config{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Source:        source,
		Jobs:          jobs,
		Notifier:      notifier,
		Queue:         "results_queue",
		ConsumerTag:   "test",
		PrefetchCount: 10,
		Concurrency:   4,
	})
}

func completedJob(id string) *domain.Job {
	return &domain.Job{
		ID:     id,
		Status: domain.JobStatusCompleted,
		Incidents: []domain.Incident{
			{ID: "i1", JobID: id, IncidentTemplate: "a"},
			{ID: "i2", JobID: id, IncidentTemplate: "b"},
			{ID: "i3", JobID: id, IncidentTemplate: "c"},
		},
	}
}

func TestHandle_NotifiesExistingJob(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]*domain.Job{"j1": completedJob("j1")}}
	notifier := &fakeNotifier{}
	c := newTestConsumer(jobs, notifier, &fakeSource{})

	ctx := correlation.Set(context.Background(), "corr-1")
	err := c.Handle(ctx, &domain.ResultDescriptor{JobID: "j1", Status: domain.JobStatusCompleted, IncidentCount: intPtr(3)})
	require.NoError(t, err)

	calls := notifier.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "j1", calls[0].jobID)
	assert.Equal(t, domain.JobStatusCompleted, calls[0].status)
	assert.Len(t, calls[0].incidents, 3)
	assert.Equal(t, 3, *calls[0].incidentCount)
	assert.Equal(t, "corr-1", calls[0].correlationID)
}

func TestHandle_UnknownJobIsDropped(t *testing.T) {
	notifier := &fakeNotifier{}
	c := newTestConsumer(&fakeJobs{}, notifier, &fakeSource{})

	err := c.Handle(context.Background(), &domain.ResultDescriptor{JobID: "missing", Status: domain.JobStatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, notifier.snapshot())
}

func TestHandle_StoreFailureIsRetryable(t *testing.T) {
	notifier := &fakeNotifier{}
	c := newTestConsumer(&fakeJobs{err: errors.New("db down")}, notifier, &fakeSource{})

	err := c.Handle(context.Background(), &domain.ResultDescriptor{JobID: "j1"})
	require.Error(t, err)

	var retryable *domain.RetryableError
	assert.True(t, errors.As(err, &retryable))
	assert.True(t, shouldRequeue(err))
	assert.Empty(t, notifier.snapshot())
}

func TestHandle_MissingStatusFallsBackToRecord(t *testing.T) {
	job := completedJob("j1")
	job.Status = domain.JobStatusFailed
	notifier := &fakeNotifier{}
	c := newTestConsumer(&fakeJobs{jobs: map[string]*domain.Job{"j1": job}}, notifier, &fakeSource{})

	require.NoError(t, c.Handle(context.Background(), &domain.ResultDescriptor{JobID: "j1"}))

	calls := notifier.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.JobStatusFailed, calls[0].status)
	assert.Nil(t, calls[0].incidentCount)
}

func TestHandle_TerminalJobIsNotifiedAgain(t *testing.T) {
	notifier := &fakeNotifier{}
	c := newTestConsumer(&fakeJobs{jobs: map[string]*domain.Job{"j1": completedJob("j1")}}, notifier, &fakeSource{})

	result := &domain.ResultDescriptor{JobID: "j1", Status: domain.JobStatusCompleted}
	require.NoError(t, c.Handle(context.Background(), result))
	require.NoError(t, c.Handle(context.Background(), result))

	assert.Len(t, notifier.snapshot(), 2)
}

func TestConsumer_SettlesDeliveries(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]*domain.Job{"j1": completedJob("j1")}}
	notifier := &fakeNotifier{}
	source := &fakeSource{deliveries: make(chan amqp.Delivery, 8)}
	ack := newFakeAcknowledger()
	c := newTestConsumer(jobs, notifier, source)

	require.NoError(t, c.Start(context.Background()))

	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1,
		Body: []byte(`{"pattern":"results_queue","data":{"jobId":"j1","status":"COMPLETED","incidentCount":3,"correlationId":"corr-1"}}`)}
	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`garbage`)}
	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte(`{"jobId":"unknown","status":"COMPLETED"}`)}
	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 4, CorrelationId: "corr-prop",
		Body: []byte(`{"jobId":"j1","status":"FAILED"}`)}

	c.Stop()

	for tag, want := range map[uint64]settlement{
		1: {acked: true},
		2: {requeue: false},
		3: {acked: true},
		4: {acked: true},
	} {
		got, ok := ack.get(tag)
		require.True(t, ok, "delivery %d was not settled", tag)
		assert.Equal(t, want, got, "delivery %d", tag)
	}

	calls := notifier.snapshot()
	require.Len(t, calls, 2)
	ids := map[string]bool{}
	for _, call := range calls {
		ids[call.correlationID] = true
	}
	assert.True(t, ids["corr-1"])
	assert.True(t, ids["corr-prop"])
}

func TestConsumer_StoreFailureRequeues(t *testing.T) {
	source := &fakeSource{deliveries: make(chan amqp.Delivery, 1)}
	ack := newFakeAcknowledger()
	c := newTestConsumer(&fakeJobs{err: errors.New("db down")}, &fakeNotifier{}, source)

	require.NoError(t, c.Start(context.Background()))
	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte(`{"jobId":"j1","status":"COMPLETED"}`)}
	c.Stop()

	got, ok := ack.get(7)
	require.True(t, ok)
	assert.Equal(t, settlement{requeue: true}, got)
}

func TestConsumer_CorrelationScopesAreIsolated(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]*domain.Job{}}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("j%d", i)
		jobs.jobs[id] = completedJob(id)
	}
	notifier := &fakeNotifier{}
	source := &fakeSource{deliveries: make(chan amqp.Delivery, 32)}
	ack := newFakeAcknowledger()
	c := newTestConsumer(jobs, notifier, source)

	require.NoError(t, c.Start(context.Background()))
	for i := 0; i < 20; i++ {
		body := fmt.Sprintf(`{"jobId":"j%d","status":"COMPLETED","correlationId":"corr-j%d"}`, i, i)
		if i%2 == 1 {
			body = fmt.Sprintf(`{"jobId":"j%d","status":"COMPLETED"}`, i)
		}
		source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(i + 1), Body: []byte(body)}
	}
	c.Stop()

	calls := notifier.snapshot()
	require.Len(t, calls, 20)
	for _, call := range calls {
		var n int
		_, err := fmt.Sscanf(call.jobID, "j%d", &n)
		require.NoError(t, err)
		if n%2 == 1 {
			assert.Empty(t, call.correlationID, "no correlation id may be fabricated")
		} else {
			assert.Equal(t, "corr-"+call.jobID, call.correlationID)
		}
	}
}

func TestConsumer_StopsOnContextCancel(t *testing.T) {
	source := &fakeSource{deliveries: make(chan amqp.Delivery)}
	c := newTestConsumer(&fakeJobs{}, &fakeNotifier{}, source)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop after context cancel")
	}
}

func TestConsumer_BrokerDisconnectIsReported(t *testing.T) {
	source := &fakeSource{deliveries: make(chan amqp.Delivery)}
	c := newTestConsumer(&fakeJobs{}, &fakeNotifier{}, source)

	require.NoError(t, c.Start(context.Background()))
	close(source.deliveries)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not signal the closed delivery channel")
	}
	assert.ErrorIs(t, c.Err(), ErrDeliveriesClosed)
}

func TestConsumer_StopIsNotAnError(t *testing.T) {
	source := &fakeSource{deliveries: make(chan amqp.Delivery)}
	c := newTestConsumer(&fakeJobs{}, &fakeNotifier{}, source)

	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish after Stop")
	}
	assert.NoError(t, c.Err())
}

// blockingJobs waits for the handling deadline
type blockingJobs struct{}

func (blockingJobs) GetJobByID(ctx context.Context, _ string) (*domain.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConsumer_HandleTimeoutRequeues(t *testing.T) {
	source := &fakeSource{deliveries: make(chan amqp.Delivery, 1)}
	ack := newFakeAcknowledger()
	c := NewConsumer(&Config{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Source:        source,
		Jobs:          blockingJobs{},
		Notifier:      &fakeNotifier{},
		Queue:         "results_queue",
		ConsumerTag:   "test",
		Concurrency:   1,
		HandleTimeout: 50 * time.Millisecond,
	})

	require.NoError(t, c.Start(context.Background()))
	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 9, Body: []byte(`{"jobId":"j1","status":"COMPLETED"}`)}
	c.Stop()

	got, ok := ack.get(9)
	require.True(t, ok)
	assert.Equal(t, settlement{requeue: true}, got)
}
