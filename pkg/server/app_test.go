package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateFusion/pkg/config"
	"RateFusion/pkg/logger"
)

type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

func (c *calls) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type fakeComponent struct {
	name     string
	calls    *calls
	startErr error
}

func (f *fakeComponent) Start(context.Context) error {
	f.calls.add(f.name + ".start")
	return f.startErr
}

func (f *fakeComponent) Shutdown(context.Context) error {
	f.calls.add(f.name + ".shutdown")
	return nil
}

func (f *fakeComponent) Stop(context.Context) error {
	f.calls.add(f.name + ".stop")
	return nil
}

type fakeHTTP struct{ calls *calls }

func (f *fakeHTTP) Start() error {
	f.calls.add("http.start")
	return nil
}

func (f *fakeHTTP) Stop(context.Context) error {
	f.calls.add("http.stop")
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{Environment: "development"}
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

func TestRunContextStartsAndStopsInOrder(t *testing.T) {
	c := &calls{}
	app := New(testConfig(), logger.NewNop(),
		&fakeComponent{name: "scheduler", calls: c},
		&fakeHTTP{calls: c},
		&fakeComponent{name: "consumer", calls: c},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunContext(ctx) }()

	require.Eventually(t, func() bool { return len(c.get()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunContext did not return")
	}

	assert.Equal(t, []string{
		"scheduler.start", "consumer.start", "http.start",
		"scheduler.shutdown", "http.stop", "consumer.stop",
	}, c.get())
}

func TestRunContextWorkerStartFailure(t *testing.T) {
	c := &calls{}
	app := New(testConfig(), logger.NewNop(),
		&fakeComponent{name: "scheduler", calls: c},
		&fakeHTTP{calls: c},
		&fakeComponent{name: "consumer", calls: c, startErr: errors.New("no handlers registered")},
	)

	err := app.RunContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"scheduler.start", "consumer.start", "scheduler.shutdown"}, c.get())
}
