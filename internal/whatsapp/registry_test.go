package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/garage/internal/alert"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type storeCall struct {
	op       string
	operator string
}

type memStore struct {
	mu        sync.Mutex
	connected map[string]bool
	calls     []storeCall
	err       error
	listErr   error
}

func newMemStore(connected ...string) *memStore {
	m := &memStore{connected: make(map[string]bool)}
	for _, id := range connected {
		m.connected[id] = true
	}
	return m
}

func (m *memStore) record(op, operator string, connected *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, storeCall{op: op, operator: operator})
	if m.err != nil {
		return m.err
	}
	if connected != nil {
		m.connected[operator] = *connected
	}
	return nil
}

func (m *memStore) MarkConnected(_ context.Context, operatorID string, _ time.Time) error {
	on := true
	return m.record("connected", operatorID, &on)
}

func (m *memStore) MarkDisconnected(_ context.Context, operatorID string, _ time.Time) error {
	off := false
	return m.record("disconnected", operatorID, &off)
}

func (m *memStore) Heartbeat(_ context.Context, operatorID string, _ time.Time) error {
	return m.record("heartbeat", operatorID, nil)
}

func (m *memStore) ListConnected(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var ids []string
	for id, on := range m.connected {
		if on {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) count(op, operator string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.op == op && c.operator == operator {
			n++
		}
	}
	return n
}

func (m *memStore) isConnected(operator string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected[operator]
}

// driverFactory hands out MockDrivers and records every one per operator.
// Each driver checks on Initialize that no other driver of the same
// operator is still alive.
type driverFactory struct {
	t          *testing.T
	mu         sync.Mutex
	drivers    map[string][]*MockDriver
	failures   map[string]error
	setup      func(operatorID string, d *MockDriver)
	violations int
}

func newDriverFactory(t *testing.T, setup func(string, *MockDriver)) *driverFactory {
	return &driverFactory{
		t:        t,
		drivers:  make(map[string][]*MockDriver),
		failures: make(map[string]error),
		setup:    setup,
	}
}

func (f *driverFactory) New(operatorID string) (Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[operatorID]; err != nil {
		return nil, err
	}
	d := NewMockDriver()
	previous := append([]*MockDriver(nil), f.drivers[operatorID]...)
	d.OnInitialize(func() {
		for _, p := range previous {
			if !p.Destroyed() {
				f.mu.Lock()
				f.violations++
				f.mu.Unlock()
			}
		}
	})
	if f.setup != nil {
		f.setup(operatorID, d)
	}
	f.drivers[operatorID] = append(f.drivers[operatorID], d)
	return d, nil
}

func (f *driverFactory) all(operatorID string) []*MockDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockDriver(nil), f.drivers[operatorID]...)
}

func (f *driverFactory) latest(operatorID string) *MockDriver {
	all := f.all(operatorID)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (f *driverFactory) violationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.violations
}

// slowLaunchDriver ignores ctx and Destroy until released, like a browser
// process that is still starting. live counts handshakes in progress across
// every driver sharing it; overlaps counts handshakes that began while
// another was still running.
type slowLaunchDriver struct {
	*MockDriver
	entered  chan struct{}
	gate     chan struct{}
	once     sync.Once
	live     *atomic.Int32
	overlaps *atomic.Int32
}

func (d *slowLaunchDriver) Initialize(ctx context.Context, h DriverHandler) error {
	if d.live.Add(1) > 1 {
		d.overlaps.Add(1)
	}
	close(d.entered)
	<-d.gate
	d.live.Add(-1)
	return ctx.Err()
}

func (d *slowLaunchDriver) release() { d.once.Do(func() { close(d.gate) }) }

type slowLaunchFactory struct {
	mu       sync.Mutex
	drivers  []*slowLaunchDriver
	live     atomic.Int32
	overlaps atomic.Int32
}

func (f *slowLaunchFactory) New(string) (Driver, error) {
	d := &slowLaunchDriver{
		MockDriver: NewMockDriver(),
		entered:    make(chan struct{}),
		gate:       make(chan struct{}),
		live:       &f.live,
		overlaps:   &f.overlaps,
	}
	f.mu.Lock()
	f.drivers = append(f.drivers, d)
	f.mu.Unlock()
	return d, nil
}

func (f *slowLaunchFactory) driver(t *testing.T, i int) *slowLaunchDriver {
	t.Helper()
	var d *slowLaunchDriver
	waitFor(t, fmt.Sprintf("driver %d", i), func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.drivers) > i {
			d = f.drivers[i]
			return true
		}
		return false
	})
	select {
	case <-d.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("driver %d never began its handshake", i)
	}
	return d
}

func (f *slowLaunchFactory) releaseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.drivers {
		d.release()
	}
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *alertRecorder) Notify(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *alertRecorder) titles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, al := range a.alerts {
		out = append(out, al.Title)
	}
	return out
}

type fakeOrders map[string]Order

func (f fakeOrders) LookupOrder(_ context.Context, orderID string) (Order, error) {
	o, ok := f[orderID]
	if !ok {
		return Order{}, fmt.Errorf("order %s not found", orderID)
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connectOnInit scripts every driver to report ready immediately.
func connectOnInit(operatorID string, d *MockDriver) {
	d.Script(DriverEvent{Kind: DriverReady, Identity: "521" + operatorID})
}

// pairOnInit scripts every driver to raise a pairing code and then block.
func pairOnInit(operatorID string, d *MockDriver) {
	d.Script(DriverEvent{Kind: DriverQR, Code: "qr-" + operatorID})
	d.SetBlocking(true)
}

func newTestRegistry(t *testing.T, opts RegistryOpts) *Registry {
	t.Helper()
	r, err := NewRegistry(opts)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close(context.Background()) })
	return r
}

func startConnected(t *testing.T, r *Registry, operatorID string) *Session {
	t.Helper()
	sess, err := r.Start(context.Background(), operatorID)
	if err != nil {
		t.Fatalf("Start(%s): %v", operatorID, err)
	}
	waitFor(t, operatorID+" connected", sess.Connected)
	return sess
}

// ---------------------------------------------------------------------------
// NewRegistry
// ---------------------------------------------------------------------------

func TestNewRegistry_RequiresStore(t *testing.T) {
	_, err := NewRegistry(RegistryOpts{Drivers: newDriverFactory(t, nil).New})
	if err == nil {
		t.Fatal("expected error for missing store")
	}
}

func TestNewRegistry_RequiresDrivers(t *testing.T) {
	_, err := NewRegistry(RegistryOpts{Store: newMemStore()})
	if err == nil {
		t.Fatal("expected error for missing driver factory")
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestRegistry_StartReturnsBeforeInitialization(t *testing.T) {
	f := newDriverFactory(t, func(_ string, d *MockDriver) { d.SetBlocking(true) })
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New})

	done := make(chan struct{})
	go func() {
		if _, err := r.Start(context.Background(), "mech-1"); err != nil {
			t.Errorf("Start: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on a handshake that never finishes")
	}
	if !f.latest("mech-1").WaitInitialized(2 * time.Second) {
		t.Fatal("driver was never initialized")
	}
	if r.Get("mech-1").Connected() {
		t.Error("session should not be connected yet")
	}
}

func TestRegistry_StartPersistsConnected(t *testing.T) {
	store := newMemStore()
	f := newDriverFactory(t, connectOnInit)
	r := newTestRegistry(t, RegistryOpts{Store: store, Drivers: f.New})

	startConnected(t, r, "mech-1")
	waitFor(t, "connected record", func() bool { return store.isConnected("mech-1") })
}

func TestRegistry_StartIdempotentWhenConnected(t *testing.T) {
	f := newDriverFactory(t, connectOnInit)
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New})

	first := startConnected(t, r, "mech-1")
	second, err := r.Start(context.Background(), "mech-1")
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first != second {
		t.Error("Start on a connected session should return the same session")
	}
	if n := len(f.all("mech-1")); n != 1 {
		t.Errorf("drivers created = %d, want 1", n)
	}
	if f.latest("mech-1").Destroyed() {
		t.Error("connected session must not be torn down")
	}
}

func TestRegistry_StartReplacesPendingSession(t *testing.T) {
	f := newDriverFactory(t, pairOnInit)
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New})

	first, _ := r.Start(context.Background(), "mech-1")
	waitFor(t, "pairing", func() bool { return first.State() == StateAwaitingPairing })

	second, err := r.Start(context.Background(), "mech-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first == second {
		t.Fatal("a pending session should be replaced")
	}
	if !f.all("mech-1")[0].Destroyed() {
		t.Error("old driver should be destroyed before Start returns")
	}
	if r.Get("mech-1") != second {
		t.Error("new session should be installed")
	}
	if f.violationCount() != 0 {
		t.Errorf("%d driver(s) initialized while another was alive", f.violationCount())
	}
}

func TestRegistry_ConcurrentStartsKeepOneDriver(t *testing.T) {
	f := newDriverFactory(t, pairOnInit)
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Start(context.Background(), "mech-1"); err != nil {
				t.Errorf("Start: %v", err)
			}
		}()
	}
	wg.Wait()

	drivers := f.all("mech-1")
	waitFor(t, "last driver initialized", func() bool {
		return drivers[len(drivers)-1].InitCount() == 1
	})
	alive := 0
	for _, d := range drivers {
		if !d.Destroyed() {
			alive++
		}
	}
	if alive != 1 {
		t.Errorf("live drivers = %d, want 1", alive)
	}
	if f.violationCount() != 0 {
		t.Errorf("%d driver(s) initialized while another was alive", f.violationCount())
	}
}

func TestRegistry_StartDriverFactoryError(t *testing.T) {
	f := newDriverFactory(t, nil)
	f.failures["mech-1"] = errors.New("profile locked")
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New})

	if _, err := r.Start(context.Background(), "mech-1"); err == nil {
		t.Fatal("expected error from driver factory")
	}
	if r.Get("mech-1") != nil {
		t.Error("no session should be installed")
	}
}

func TestRegistry_StartRequiresOperator(t *testing.T) {
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: newDriverFactory(t, nil).New})
	if _, err := r.Start(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty operator id")
	}
}

func TestRegistry_StopNotFound(t *testing.T) {
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: newDriverFactory(t, nil).New})
	err := r.Stop(context.Background(), "ghost")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_Stop(t *testing.T) {
	store := newMemStore()
	f := newDriverFactory(t, connectOnInit)
	r := newTestRegistry(t, RegistryOpts{Store: store, Drivers: f.New})
	startConnected(t, r, "mech-1")

	if err := r.Stop(context.Background(), "mech-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.Get("mech-1") != nil {
		t.Error("session should be removed")
	}
	if !f.latest("mech-1").Destroyed() {
		t.Error("driver should be destroyed")
	}
	if store.isConnected("mech-1") {
		t.Error("record should be disconnected")
	}
}

func TestRegistry_StopThenStart(t *testing.T) {
	f := newDriverFactory(t, connectOnInit)
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New})
	startConnected(t, r, "mech-1")

	if err := r.Stop(context.Background(), "mech-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	startConnected(t, r, "mech-1")

	drivers := f.all("mech-1")
	if len(drivers) != 2 {
		t.Fatalf("drivers = %d, want 2", len(drivers))
	}
	if !drivers[0].Destroyed() || drivers[1].Destroyed() {
		t.Error("only the new driver should be alive")
	}
	if f.violationCount() != 0 {
		t.Errorf("%d driver(s) initialized while another was alive", f.violationCount())
	}
}

// assertBlockedUntil checks that done stays empty until release runs.
func assertBlockedUntil(t *testing.T, what string, done <-chan error, release func()) {
	t.Helper()
	select {
	case <-done:
		t.Fatalf("%s returned while the old handshake was still running", what)
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("%s: %v", what, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("%s did not return after the handshake ended", what)
	}
}

func TestRegistry_StopWaitsForHandshakeIgnoringCancel(t *testing.T) {
	f := &slowLaunchFactory{}
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New})
	t.Cleanup(f.releaseAll)

	if _, err := r.Start(context.Background(), "mech-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := f.driver(t, 0)

	stopped := make(chan error, 1)
	go func() { stopped <- r.Stop(context.Background(), "mech-1") }()
	assertBlockedUntil(t, "Stop", stopped, first.release)
	if n := f.live.Load(); n != 0 {
		t.Errorf("handshakes alive after Stop = %d, want 0", n)
	}

	if _, err := r.Start(context.Background(), "mech-1"); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	f.driver(t, 1)
	if n := f.overlaps.Load(); n != 0 {
		t.Errorf("%d handshake(s) overlapped an earlier one", n)
	}
}

func TestRegistry_ReplaceWaitsForHandshakeIgnoringCancel(t *testing.T) {
	f := &slowLaunchFactory{}
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New})
	t.Cleanup(f.releaseAll)

	if _, err := r.Start(context.Background(), "mech-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := f.driver(t, 0)

	replaced := make(chan error, 1)
	go func() {
		_, err := r.Start(context.Background(), "mech-1")
		replaced <- err
	}()
	assertBlockedUntil(t, "replacing Start", replaced, first.release)

	f.driver(t, 1)
	if n := f.overlaps.Load(); n != 0 {
		t.Errorf("%d handshake(s) overlapped an earlier one", n)
	}
}

func TestRegistry_OperatorLocksReleased(t *testing.T) {
	f := newDriverFactory(t, connectOnInit)
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New})

	for i := 0; i < 20; i++ {
		r.Stop(context.Background(), fmt.Sprintf("ghost-%d", i))
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Start(context.Background(), "mech-1")
		}()
	}
	wg.Wait()
	r.Stop(context.Background(), "mech-1")

	r.mu.RLock()
	n := len(r.locks)
	r.mu.RUnlock()
	if n != 0 {
		t.Errorf("operator locks retained = %d, want 0", n)
	}
}

func TestRegistry_NoHeartbeatWritesAfterStop(t *testing.T) {
	store := newMemStore()
	r := newTestRegistry(t, RegistryOpts{Store: store, Drivers: newDriverFactory(t, connectOnInit).New})
	sess := startConnected(t, r, "mech-1")
	r.Stop(context.Background(), "mech-1")

	r.handleHeartbeat(sess, time.Now())
	if n := store.count("heartbeat", "mech-1"); n != 0 {
		t.Errorf("heartbeat writes = %d, want 0", n)
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func TestRegistry_DisconnectPersistsAndReleasesDriver(t *testing.T) {
	store := newMemStore()
	alerts := &alertRecorder{}
	f := newDriverFactory(t, connectOnInit)
	r := newTestRegistry(t, RegistryOpts{Store: store, Drivers: f.New, Notifier: alerts})
	sess := startConnected(t, r, "mech-1")

	f.latest("mech-1").Emit(DriverEvent{Kind: DriverDisconnected, Reason: ReasonLogout})

	if sess.State() != StateDisconnected {
		t.Errorf("State = %s, want disconnected", sess.State())
	}
	if store.isConnected("mech-1") {
		t.Error("record should be disconnected")
	}
	if !f.latest("mech-1").WaitDestroyed(2 * time.Second) {
		t.Error("driver should be released after disconnect")
	}
	if r.Get("mech-1") != sess {
		t.Error("disconnected session should stay visible until replaced")
	}
	waitFor(t, "disconnect alert", func() bool { return len(alerts.titles()) == 1 })
	// A logout is not restarted.
	time.Sleep(50 * time.Millisecond)
	if n := len(f.all("mech-1")); n != 1 {
		t.Errorf("drivers = %d, want 1", n)
	}
}

func TestRegistry_RestartOnFailure(t *testing.T) {
	f := newDriverFactory(t, connectOnInit)
	r := newTestRegistry(t, RegistryOpts{
		Store:        newMemStore(),
		Drivers:      f.New,
		RestartDelay: 10 * time.Millisecond,
	})
	first := startConnected(t, r, "mech-1")

	f.latest("mech-1").Emit(DriverEvent{Kind: DriverDisconnected, Reason: "CONFLICT"})

	waitFor(t, "replacement session", func() bool {
		s := r.Get("mech-1")
		return s != nil && s != first && s.Connected()
	})
	if f.violationCount() != 0 {
		t.Errorf("%d driver(s) initialized while another was alive", f.violationCount())
	}
}

func TestRegistry_PersistenceFailureIsSwallowed(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("database is locked")
	r := newTestRegistry(t, RegistryOpts{Store: store, Drivers: newDriverFactory(t, connectOnInit).New})

	sess := startConnected(t, r, "mech-1")
	if _, err := r.Send(context.Background(), "mech-1", "5512345678", "hola"); err != nil {
		t.Errorf("Send with a failing store: %v", err)
	}
	if !sess.Connected() {
		t.Error("session should survive store failures")
	}
}

func TestRegistry_InitializationFailure(t *testing.T) {
	store := newMemStore()
	f := newDriverFactory(t, func(_ string, d *MockDriver) { d.SetInitError(errors.New("no chrome")) })
	r := newTestRegistry(t, RegistryOpts{Store: store, Drivers: f.New})

	sess, err := r.Start(context.Background(), "mech-1")
	if err != nil {
		t.Fatalf("Start should not surface initialization errors: %v", err)
	}
	waitFor(t, "disconnected", func() bool { return sess.State() == StateDisconnected })
	waitFor(t, "disconnected record", func() bool { return store.count("disconnected", "mech-1") == 1 })
}

// ---------------------------------------------------------------------------
// Listing and sending
// ---------------------------------------------------------------------------

func TestRegistry_ListAll(t *testing.T) {
	f := newDriverFactory(t, func(op string, d *MockDriver) {
		if op == "mech-2" {
			pairOnInit(op, d)
			return
		}
		connectOnInit(op, d)
	})
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New})
	startConnected(t, r, "mech-3")
	pending, _ := r.Start(context.Background(), "mech-2")
	waitFor(t, "pairing", func() bool { return pending.State() == StateAwaitingPairing })

	infos := r.ListAll()
	if len(infos) != 2 {
		t.Fatalf("ListAll = %d, want 2", len(infos))
	}
	if infos[0].OperatorID != "mech-2" || infos[1].OperatorID != "mech-3" {
		t.Errorf("order = %s, %s", infos[0].OperatorID, infos[1].OperatorID)
	}
	if !infos[0].PairingPending || infos[0].Connected {
		t.Errorf("mech-2 = %+v", infos[0])
	}
	if !infos[1].Connected || infos[1].Identity != "521mech-3" {
		t.Errorf("mech-3 = %+v", infos[1])
	}
}

func TestRegistry_SendUnknownOperator(t *testing.T) {
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: newDriverFactory(t, nil).New})
	_, err := r.Send(context.Background(), "ghost", "5512345678", "hola")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	_, err = r.SendMedia(context.Background(), "ghost", "5512345678", "", "https://x/y.png")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("media err = %v, want ErrNotConnected", err)
	}
}

func TestRegistry_SendDriverFailure(t *testing.T) {
	f := newDriverFactory(t, connectOnInit)
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New})
	startConnected(t, r, "mech-1")
	f.latest("mech-1").SetSendError(errors.New("timeout"))

	_, err := r.Send(context.Background(), "mech-1", "5512345678", "hola")
	if !errors.Is(err, ErrSendFailed) {
		t.Errorf("err = %v, want ErrSendFailed", err)
	}
	if n := len(f.latest("mech-1").Sent()); n != 0 {
		t.Errorf("sent = %d, want 0 (no retries)", n)
	}
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

func newRoutingRegistry(t *testing.T) (*Registry, *driverFactory) {
	t.Helper()
	orders := fakeOrders{
		"1": {ID: "1", OperatorID: "A", OperatorIsSupervisor: true, ApprovingSupervisorID: "C"},
		"2": {ID: "2", OperatorID: "B", ApprovingSupervisorID: "C"},
		"3": {ID: "3", OperatorID: "D"},
		"4": {ID: "4", OperatorID: "E", ApprovingSupervisorID: "F"},
		"5": {ID: "5", OperatorID: "G"},
	}
	f := newDriverFactory(t, connectOnInit)
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: f.New, Orders: orders})
	for _, op := range []string{"A", "B", "C", "D", "F"} {
		startConnected(t, r, op)
	}
	// F is approving supervisor for order 4 but drops.
	f.latest("F").Emit(DriverEvent{Kind: DriverDisconnected, Reason: ReasonLogout})
	return r, f
}

func TestRegistry_RouteForOrder(t *testing.T) {
	r, _ := newRoutingRegistry(t)
	tests := []struct {
		orderID string
		want    string
		ok      bool
	}{
		{"1", "A", true}, // supervisor-tier assignee wins
		{"2", "C", true}, // approving supervisor
		{"3", "D", true}, // own session
		{"4", "", false}, // supervisor session disconnected
		{"5", "", false}, // no session at all
	}
	for _, tt := range tests {
		t.Run("order "+tt.orderID, func(t *testing.T) {
			sess, ok, err := r.RouteForOrder(context.Background(), tt.orderID)
			if err != nil {
				t.Fatalf("RouteForOrder: %v", err)
			}
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && sess.OperatorID() != tt.want {
				t.Errorf("operator = %q, want %q", sess.OperatorID(), tt.want)
			}
			if !ok && sess != nil {
				t.Error("unresolved route must not return a session")
			}
		})
	}
}

func TestRegistry_RouteForOrderLookupError(t *testing.T) {
	r, _ := newRoutingRegistry(t)
	if _, _, err := r.RouteForOrder(context.Background(), "999"); err == nil {
		t.Fatal("expected lookup error")
	}
}

func TestRegistry_RouteForOrderWithoutLookup(t *testing.T) {
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore(), Drivers: newDriverFactory(t, nil).New})
	if _, _, err := r.RouteForOrder(context.Background(), "1"); err == nil {
		t.Fatal("expected error without an order lookup")
	}
}

func TestRegistry_SendForOrder(t *testing.T) {
	r, f := newRoutingRegistry(t)

	op, id, err := r.SendForOrder(context.Background(), "2", "0155512345678", "Su moto está lista")
	if err != nil {
		t.Fatalf("SendForOrder: %v", err)
	}
	if op != "C" || id == "" {
		t.Errorf("operator, id = %q, %q", op, id)
	}
	sent := f.latest("C").Sent()
	if len(sent) != 1 || sent[0].ChatID != "5215512345678@c.us" {
		t.Errorf("sent = %+v", sent)
	}
	if n := len(f.latest("B").Sent()); n != 0 {
		t.Errorf("assignee B sent %d messages, want 0", n)
	}
}

func TestRegistry_SendForOrderNoRoute(t *testing.T) {
	r, _ := newRoutingRegistry(t)
	_, _, err := r.SendForOrder(context.Background(), "4", "5512345678", "hola")
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Error("ErrNoRoute should match ErrNotConnected")
	}
}

// ---------------------------------------------------------------------------
// Restore and Close
// ---------------------------------------------------------------------------

func TestRegistry_Restore(t *testing.T) {
	store := newMemStore("mech-1", "mech-2", "broken")
	store.connected["offline"] = false
	f := newDriverFactory(t, connectOnInit)
	f.failures["broken"] = errors.New("profile missing")
	r := newTestRegistry(t, RegistryOpts{Store: store, Drivers: f.New})

	n, err := r.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 2 {
		t.Errorf("restored = %d, want 2", n)
	}
	waitFor(t, "restored sessions connected", func() bool {
		a, b := r.Get("mech-1"), r.Get("mech-2")
		return a != nil && b != nil && a.Connected() && b.Connected()
	})
	if r.Get("offline") != nil {
		t.Error("disconnected records must not be restored")
	}
	if r.Get("broken") != nil {
		t.Error("failed restore should not install a session")
	}
}

func TestRegistry_RestoreNeedsRepairing(t *testing.T) {
	alerts := &alertRecorder{}
	f := newDriverFactory(t, pairOnInit)
	r := newTestRegistry(t, RegistryOpts{Store: newMemStore("mech-1"), Drivers: f.New, Notifier: alerts})

	if _, err := r.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	waitFor(t, "re-pairing alert", func() bool { return len(alerts.titles()) == 1 })
	if got := alerts.titles()[0]; got != "WhatsApp session needs re-pairing" {
		t.Errorf("alert = %q", got)
	}
	if r.Get("mech-1").State() != StateAwaitingPairing {
		t.Errorf("State = %s, want awaiting_pairing", r.Get("mech-1").State())
	}
}

func TestRegistry_RestoreListError(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("connection refused")
	r := newTestRegistry(t, RegistryOpts{Store: store, Drivers: newDriverFactory(t, nil).New})
	if _, err := r.Restore(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRegistry_Close(t *testing.T) {
	store := newMemStore()
	f := newDriverFactory(t, func(op string, d *MockDriver) {
		if op == "mech-2" {
			pairOnInit(op, d)
			return
		}
		connectOnInit(op, d)
	})
	r, err := NewRegistry(RegistryOpts{Store: store, Drivers: f.New})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	startConnected(t, r, "mech-1")
	r.Start(context.Background(), "mech-2")
	f.latest("mech-2").WaitInitialized(2 * time.Second)

	r.Close(context.Background())

	if !f.latest("mech-1").Destroyed() || !f.latest("mech-2").Destroyed() {
		t.Error("all drivers should be destroyed")
	}
	if !store.isConnected("mech-1") {
		t.Error("Close must leave persisted records for Restore")
	}
	if len(r.ListAll()) != 0 {
		t.Error("registry should be empty after Close")
	}
	if _, err := r.Start(context.Background(), "mech-3"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Start after Close = %v, want ErrRegistryClosed", err)
	}
	r.Close(context.Background())
}
