package scheduler

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/block/mysql-coldbackup/internal/model"
	"github.com/block/mysql-coldbackup/internal/orchestrator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

type fakeRunner struct {
	mu        sync.Mutex
	calls     int
	block     chan struct{}
	cancelled bool
}

func (f *fakeRunner) Run(ctx context.Context, cfg model.BackupConfiguration, progress orchestrator.ProgressFunc) (*model.BackupLog, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if progress != nil {
		progress(orchestrator.Progress{Phase: model.StatusCompressing, Overall: 0.5})
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled = true
			f.mu.Unlock()
			return &model.BackupLog{Status: model.StatusCancelled}, ctx.Err()
		}
	}
	return &model.BackupLog{Status: model.StatusCompleted}, nil
}

func TestRunNowEmitsProgressAndCompletion(t *testing.T) {
	runner := &fakeRunner{}
	var events []Event
	var mu sync.Mutex
	s := New(runner, Config{}, logrus.New(), func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	log, err := s.RunNow(context.Background(), model.BackupConfiguration{ID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, log.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, ProgressUpdated, events[0].Kind)
	assert.Equal(t, BackupCompleted, events[1].Kind)
}

func TestScheduleTriggersRunner(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, Config{}, logrus.New(), nil)

	cfg := model.BackupConfiguration{ID: "c1"}
	sched := model.ScheduleConfiguration{ConfigurationID: "c1", CronExpression: "* * * * * *", Enabled: true}

	require.NoError(t, s.Schedule(cfg, sched))
	s.Start()
	defer s.Stop(time.Second)

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.calls >= 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTriggerSkipsOverlappingRun(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	s := New(runner, Config{MaxConcurrentRuns: 5}, logrus.New(), nil)

	cfg := model.BackupConfiguration{ID: "c1"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.trigger(cfg) }()
	time.Sleep(20 * time.Millisecond) // let the first trigger claim the in-flight slot
	go func() { defer wg.Done(); s.trigger(cfg) }()
	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 1, runner.calls, "overlapping trigger must be skipped, not queued")
}

func TestStopCancelsInFlightRun(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	runner := &fakeRunner{block: block}
	s := New(runner, Config{}, logrus.New(), nil)

	cfg := model.BackupConfiguration{ID: "c1"}
	var done int32
	go func() {
		s.trigger(cfg)
		atomic.StoreInt32(&done, 1)
	}()
	time.Sleep(20 * time.Millisecond)

	s.Stop(2 * time.Second)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 1 }, time.Second, 5*time.Millisecond)
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.True(t, runner.cancelled)
}

func TestConcurrencyCeilingBlocksExtraRuns(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	s := New(runner, Config{MaxConcurrentRuns: 1}, logrus.New(), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.trigger(model.BackupConfiguration{ID: "c1"}) }()
	go func() { defer wg.Done(); s.trigger(model.BackupConfiguration{ID: "c2"}) }()

	time.Sleep(50 * time.Millisecond)
	runner.mu.Lock()
	calls := runner.calls
	runner.mu.Unlock()
	assert.Equal(t, 1, calls, "second configuration must wait for the semaphore")

	close(block)
	wg.Wait()
}
