package sagaflow

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/overtonx/sagaflow/embedded"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, msg embedded.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// recordingAlertSink keeps every alert it receives.
type recordingAlertSink struct {
	mu     sync.Mutex
	alerts []embedded.Alert
}

func (s *recordingAlertSink) Alert(_ context.Context, alert embedded.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *recordingAlertSink) received() []embedded.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]embedded.Alert(nil), s.alerts...)
}
