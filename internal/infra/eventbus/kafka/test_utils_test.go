package kafka

import (
	"context"
	"sync"

	"github.com/IBM/sarama"

	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
)

// MockRunner is a manual mock implementation of JobRunner.
type MockRunner struct {
	runFunc func(ctx context.Context, job domain.ScanJob) error

	mu   sync.Mutex
	jobs []domain.ScanJob
}

func (m *MockRunner) RunScan(ctx context.Context, job domain.ScanJob) error {
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()
	if m.runFunc != nil {
		return m.runFunc(ctx, job)
	}
	return nil
}

func (m *MockRunner) received() []domain.ScanJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ScanJob(nil), m.jobs...)
}

type fakeMetrics struct {
	mu            sync.Mutex
	published     map[string]int
	consumed      map[string]int
	publishErrors map[string]int
	consumeErrors map[string]int
	tracked       int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		published:     make(map[string]int),
		consumed:      make(map[string]int),
		publishErrors: make(map[string]int),
		consumeErrors: make(map[string]int),
	}
}

func (m *fakeMetrics) inc(counter map[string]int, topic string) {
	m.mu.Lock()
	counter[topic]++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncMessagePublished(_ context.Context, topic string) { m.inc(m.published, topic) }
func (m *fakeMetrics) IncMessageConsumed(_ context.Context, topic string)  { m.inc(m.consumed, topic) }
func (m *fakeMetrics) IncPublishError(_ context.Context, topic string)     { m.inc(m.publishErrors, topic) }
func (m *fakeMetrics) IncConsumeError(_ context.Context, topic string)     { m.inc(m.consumeErrors, topic) }

func (m *fakeMetrics) TrackJob(_ context.Context, f func() error) error {
	m.mu.Lock()
	m.tracked++
	m.mu.Unlock()
	return f()
}

func (m *fakeMetrics) count(counter map[string]int, topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return counter[topic]
}

// fakeSession is a manual implementation of sarama.ConsumerGroupSession.
type fakeSession struct {
	ctx    context.Context
	claims map[string][]int32

	mu      sync.Mutex
	marked  []int64
	commits int
}

func newFakeSession(ctx context.Context) *fakeSession { return &fakeSession{ctx: ctx} }

func (s *fakeSession) Claims() map[string][]int32               { return s.claims }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) Commit() {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, msg.Offset)
	s.mu.Unlock()
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

// fakeClaim is a manual implementation of sarama.ConsumerGroupClaim.
type fakeClaim struct {
	topic     string
	partition int32
	msgs      chan *sarama.ConsumerMessage
}

// newFakeClaim returns a claim that delivers msgs and then closes.
func newFakeClaim(topic string, partition int32, msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{topic: topic, partition: partition, msgs: ch}
}

func (c *fakeClaim) Topic() string                            { return c.topic }
func (c *fakeClaim) Partition() int32                         { return c.partition }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }
