package monitor

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	hferrors "github.com/nickman/hfwd/internal/errors"
	"github.com/nickman/hfwd/internal/scheduler"
	"github.com/nickman/hfwd/pkg/logger"
)

type fakeSession struct {
	open  atomic.Bool
	up    atomic.Int64
	down  atomic.Int64
	accep atomic.Int64
}

func newFakeSession() *fakeSession {
	s := &fakeSession{}
	s.open.Store(true)
	return s
}

func (f *fakeSession) IsOpen() bool     { return f.open.Load() }
func (f *fakeSession) BytesUp() int64   { return f.up.Load() }
func (f *fakeSession) BytesDown() int64 { return f.down.Load() }
func (f *fakeSession) Accepts() int64   { return f.accep.Load() }

func newTestRegistrar(t *testing.T, grace time.Duration) (*Registrar, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sched := scheduler.New()
	t.Cleanup(sched.Stop)
	return NewRegistrar(reg, sched, grace, logger.NewNop()), reg
}

func register(t *testing.T, r *Registrar, name string, s *fakeSession) (*Handle, error) {
	t.Helper()
	c := NewSessionCollector(s, SessionLabels("db", "127.0.0.1:15432", "db:5432"))
	return r.Register(name, s, c)
}

func TestRegistrar_RegisterAndCollect(t *testing.T) {
	r, reg := newTestRegistrar(t, time.Minute)
	s := newFakeSession()
	s.up.Store(10)
	s.down.Store(20)
	s.accep.Store(2)

	h, err := register(t, r, "db", s)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !h.Registered() || h.Name() != "db" {
		t.Error("expected registered handle named db")
	}

	expected := `
# HELP hfwd_session_bytes_up_total Bytes sent from local connections to the remote endpoint
# TYPE hfwd_session_bytes_up_total counter
hfwd_session_bytes_up_total{forward="db",local="127.0.0.1:15432",remote="db:5432"} 10
# HELP hfwd_session_open Whether the forwarding session is open (1) or closed (0)
# TYPE hfwd_session_open gauge
hfwd_session_open{forward="db",local="127.0.0.1:15432",remote="db:5432"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"hfwd_session_bytes_up_total", "hfwd_session_open"); err != nil {
		t.Error(err)
	}
	if n := testutil.CollectAndCount(NewSessionCollector(s, nil)); n != 4 {
		t.Errorf("expected 4 metrics, got %d", n)
	}
}

func TestRegistrar_ConflictWithOpenOwner(t *testing.T) {
	r, _ := newTestRegistrar(t, time.Minute)
	first := newFakeSession()
	if _, err := register(t, r, "db", first); err != nil {
		t.Fatalf("register: %v", err)
	}

	second := newFakeSession()
	h, err := register(t, r, "db", second)
	if h != nil {
		t.Error("expected no handle while the previous owner is open")
	}
	if !errors.Is(err, hferrors.ErrHandleInUse) {
		t.Errorf("expected ErrHandleInUse, got %v", err)
	}

	cur, ok := r.Lookup("db")
	if !ok || cur.owner != first {
		t.Error("the original handle must stay registered")
	}
}

func TestRegistrar_ConflictWithClosedOwner(t *testing.T) {
	r, reg := newTestRegistrar(t, time.Minute)
	first := newFakeSession()
	old, err := register(t, r, "db", first)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	first.open.Store(false)
	r.ScheduleUnregister(old)
	if _, ok := old.UnregisterIn(); !ok {
		t.Fatal("expected pending unregistration")
	}

	second := newFakeSession()
	h, err := register(t, r, "db", second)
	if err != nil {
		t.Fatalf("expected replacement to succeed, got %v", err)
	}
	if old.Registered() {
		t.Error("old handle should be force unregistered")
	}
	if _, ok := old.UnregisterIn(); ok {
		t.Error("old handle's pending cleanup should be cancelled")
	}
	if !h.Registered() || r.Len() != 1 {
		t.Error("new handle should be the only registration")
	}

	if n, err := testutil.GatherAndCount(reg, "hfwd_session_open"); err != nil || n != 1 {
		t.Errorf("expected one hfwd_session_open series, got %d (%v)", n, err)
	}
}

func TestRegistrar_ScheduledUnregister(t *testing.T) {
	r, reg := newTestRegistrar(t, 30*time.Millisecond)
	s := newFakeSession()
	h, err := register(t, r, "db", s)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := h.UnregisterIn(); ok {
		t.Error("nothing should be pending before ScheduleUnregister")
	}

	s.open.Store(false)
	r.ScheduleUnregister(h)
	r.ScheduleUnregister(h)

	d, ok := h.UnregisterIn()
	if !ok || d <= 0 || d > 30*time.Millisecond {
		t.Errorf("expected remaining in (0, 30ms], got %v ok=%v", d, ok)
	}

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("unregistration did not run")
	}

	if h.Registered() {
		t.Error("handle should be unregistered after grace")
	}
	if _, ok := h.UnregisterIn(); ok {
		t.Error("nothing should be pending after cleanup ran")
	}
	if n, _ := testutil.GatherAndCount(reg, "hfwd_session_open"); n != 0 {
		t.Errorf("expected collector removed, got %d series", n)
	}
}

func TestRegistrar_DoubleUnregister(t *testing.T) {
	r, _ := newTestRegistrar(t, time.Minute)
	h, err := register(t, r, "db", newFakeSession())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if !r.Unregister(h) {
		t.Error("first unregister should succeed")
	}
	if r.Unregister(h) {
		t.Error("second unregister should be a no-op")
	}
	if r.Unregister(nil) {
		t.Error("nil handle should be a no-op")
	}
	r.ScheduleUnregister(h)
	if h.Done() != nil {
		t.Error("no task should be scheduled for an unregistered handle")
	}
}

func TestRegistrar_ExternalRegistrationConflict(t *testing.T) {
	r, reg := newTestRegistrar(t, time.Minute)
	s := newFakeSession()
	reg.MustRegister(NewSessionCollector(s, SessionLabels("db", "127.0.0.1:15432", "db:5432")))

	h, err := register(t, r, "db", s)
	if h != nil || !errors.Is(err, hferrors.ErrHandleInUse) {
		t.Errorf("expected ErrHandleInUse for external duplicate, got %v", err)
	}
}

func TestNewRegistrar_Defaults(t *testing.T) {
	r := NewRegistrar(nil, nil, 0, nil)
	if r.Grace() <= 0 {
		t.Error("expected default grace")
	}
	h, err := r.Register("x", newFakeSession(), nil)
	if err != nil || h == nil {
		t.Fatalf("registration without a Prometheus registry should succeed: %v", err)
	}
	if !r.Unregister(h) {
		t.Error("expected unregister to succeed")
	}
}
