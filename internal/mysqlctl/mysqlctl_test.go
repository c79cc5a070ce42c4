package mysqlctl

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

// fakeServiceManager simulates a service that transitions to the
// target state after a fixed number of status polls.
type fakeServiceManager struct {
	mu          sync.Mutex
	state       State
	pollsToFlip int
	pollCount   int
	flipTo      State
	stopErr     error
	startErr    error
}

func (f *fakeServiceManager) StopService(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.flipTo = StateStopped
	return nil
}

func (f *fakeServiceManager) StartService(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.flipTo = StateRunning
	return nil
}

func (f *fakeServiceManager) StatusService(ctx context.Context, name string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCount++
	if f.flipTo != "" && f.pollCount >= f.pollsToFlip {
		f.state = f.flipTo
	}
	return f.state, nil
}

func TestStopWaitsForStopped(t *testing.T) {
	svc := &fakeServiceManager{state: StateRunning, pollsToFlip: 2}
	c := NewController(svc, Config{OperationTimeout: 2 * time.Second}, logrus.New())
	require.NoError(t, c.Stop(context.Background(), "mysqld"))
}

func TestStartIsIdempotent(t *testing.T) {
	svc := &fakeServiceManager{state: StateRunning}
	c := NewController(svc, Config{OperationTimeout: 2 * time.Second}, logrus.New())
	require.NoError(t, c.Start(context.Background(), "mysqld"))
	assert.Equal(t, 1, svc.pollCount) // only the IsRunning check, no start issued
}

func TestWaitUntilTimesOut(t *testing.T) {
	svc := &fakeServiceManager{state: StateRunning}
	c := NewController(svc, Config{OperationTimeout: 50 * time.Millisecond}, logrus.New())
	err := c.WaitUntil(context.Background(), "mysqld", StateStopped, 50*time.Millisecond)
	var timeoutErr *ServiceStopTimeout
	assert.ErrorAs(t, err, &timeoutErr)
}
