package logger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	topic   string
	digests [][]DigestEntry
}

func (p *capturePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.digests = append(p.digests, payload.([]DigestEntry))
	return nil
}

func (p *capturePublisher) all() [][]DigestEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]DigestEntry(nil), p.digests...)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	l.With(String("feed", "dollar")).Info("Refresh completed", Int("results", 4))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"feed":"dollar"`)
	assert.Contains(t, string(b), `"results":4`)
	assert.Contains(t, string(b), `"message":"Refresh completed"`)
}

func TestCollectorFoldsRepeatedErrors(t *testing.T) {
	pub := &capturePublisher{}
	l := NewNop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, Topic: "ratefusion.logs", Publisher: pub})

	for i := 0; i < 3; i++ {
		l.Error("Source fetch failed", String("source", "dolarsi"), Error(errors.New("timeout")))
	}
	l.Error("Source fetch failed", String("source", "bluelytics"), Error(errors.New("timeout")))
	l.Warn("Slow source", String("source", "dolarapi"))
	l.Info("Refresh completed")

	assert.Equal(t, 2, l.collector.Pending())

	l.RemoveCollector()

	digests := pub.all()
	require.Len(t, digests, 1)
	assert.Equal(t, "ratefusion.logs", pub.topic)

	counts := map[string]int{}
	for _, e := range digests[0] {
		assert.Equal(t, "error", e.Level)
		counts[e.Fields["source"].(string)] = e.Count
	}
	assert.Equal(t, map[string]int{"dolarsi": 3, "bluelytics": 1}, counts)
}

func TestCollectorIncludesWarningsWhenAsked(t *testing.T) {
	pub := &capturePublisher{}
	l := NewNop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, Publisher: pub, IncludeWarnings: true})

	l.Warn("Health check degraded")
	assert.Equal(t, 1, l.collector.Pending())
	l.RemoveCollector()
}

func TestCollectorFlushesAtThreshold(t *testing.T) {
	pub := &capturePublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Publisher: pub})
	defer c.Close()

	c.AddLog("error", "a", nil, "x.go:1")
	c.AddLog("error", "b", nil, "x.go:2")

	require.Eventually(t, func() bool { return len(pub.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Pending())
}

func TestChildSharesCollector(t *testing.T) {
	pub := &capturePublisher{}
	l := NewNop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, Publisher: pub})

	l.With(String("run_id", "r1")).Error("Sink save failed")
	assert.Equal(t, 1, l.collector.Pending())
	l.RemoveCollector()
}
