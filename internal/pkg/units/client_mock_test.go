package units

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"

	"github.com/anicoll/espeasy-integration/internal/pkg/config"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

type MockClient struct {
	FetchStatusFunc func(ctx context.Context, host string, port int) (*model.Status, error)
	SendCommandFunc func(ctx context.Context, host string, port int, tokens ...string) (map[string]any, error)
}

func (m *MockClient) FetchStatus(ctx context.Context, host string, port int) (*model.Status, error) {
	if m.FetchStatusFunc != nil {
		return m.FetchStatusFunc(ctx, host, port)
	}
	return nil, &model.ConnectivityError{Reason: model.ReasonUnreachable}
}

func (m *MockClient) SendCommand(ctx context.Context, host string, port int, tokens ...string) (map[string]any, error) {
	if m.SendCommandFunc != nil {
		return m.SendCommandFunc(ctx, host, port, tokens...)
	}
	return nil, nil
}

// scripted returns the outcome set last on every fetch.
type scripted struct {
	mu     sync.Mutex
	status *model.Status
	err    error
	calls  int
}

func (s *scripted) set(status *model.Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.err = status, err
}

func (s *scripted) fetch(context.Context, string, int) (*model.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.status, s.err
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func statusFor(mac string, uptime, connectedMsec float64) *model.Status {
	up := model.FlexFloat(uptime)
	conn := model.FlexFloat(connectedMsec)
	return &model.Status{
		System: model.System{UnitName: "garage", UnitNumber: 3, Uptime: &up, ResetReason: "Software/System restart", BootCount: 4},
		WiFi:   model.WiFi{STAMAC: mac, IPAddress: "192.168.1.50", ConnectedMsec: &conn, NumberReconnects: 2},
	}
}

var timeoutErr = &model.ConnectivityError{Reason: model.ReasonTimeout, Err: context.DeadlineExceeded}

func newTestRegistry(t *testing.T, client Client) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	r := NewRegistry(client,
		WithClock(clock),
		WithLogger(zaptest.NewLogger(t)),
		WithSettings(config.DefaultUnitSettings()),
	)
	t.Cleanup(r.Close)
	return r, clock
}

// recorder collects events of the given kinds.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnUnitEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds(kinds ...EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
			}
		}
	}
	return out
}

type fakeSensor struct {
	recorder
	controller string
	idx        int
}

func (f *fakeSensor) Binding() (string, int) {
	return f.controller, f.idx
}
