package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"mqtt-go-home/internal/event"
	"mqtt-go-home/internal/registry"
	"mqtt-go-home/internal/scheduler"
	"mqtt-go-home/internal/store"
	"mqtt-go-home/internal/transport"
)

// fakeTransport implements the Transport surface without a broker.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	calls     []struct {
		ID  int
		On  bool
		PWM int
	}
	lastCfg store.MQTTConfig
}

func (f *fakeTransport) ControlDevice(id int, on bool, pwm int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.calls = append(f.calls, struct {
		ID  int
		On  bool
		PWM int
	}{id, on, pwm})
	return nil
}

func (f *fakeTransport) Connect(cfg store.MQTTConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCfg = cfg
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) Status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return transport.StatusConnected
	}
	return transport.StatusDisconnected
}

func (f *fakeTransport) SetAutoReconnect(bool) {}

func setupTestServer(t *testing.T, adminPassword string) (*Server, *fakeTransport, *store.BoltStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	bus := event.NewBus(logger)
	reg := registry.New(db, bus, logger)
	reg.Load()

	tr := &fakeTransport{connected: true}
	sched := scheduler.New(db, reg, tr, bus, logger)
	sched.Load()

	var opts []ServerOption
	if adminPassword != "" {
		opts = append(opts, WithAdminPassword(adminPassword))
	}
	srv := NewServer(reg, sched, tr, db, bus, logger, opts...)
	t.Cleanup(srv.Stop)

	return srv, tr, db
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPIListDevices(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doJSON(t, srv, "GET", "/api/devices", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var views []DeviceView
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 4 {
		t.Fatalf("device count = %d, want 4", len(views))
	}
	if views[0].ID != 1 || views[0].State != "OFF" {
		t.Errorf("unexpected first device %+v", views[0])
	}
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	if w := doJSON(t, srv, "GET", "/api/devices/99", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if w := doJSON(t, srv, "GET", "/api/devices/abc", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAPIRenameDevice(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doJSON(t, srv, "PATCH", "/api/devices/1", renameDeviceRequest{Name: "Desk Lamp", Icon: "fas fa-desktop"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}

	var view DeviceView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Name != "Desk Lamp" {
		t.Errorf("name = %q", view.Name)
	}

	// empty name is rejected
	if w := doJSON(t, srv, "PATCH", "/api/devices/1", renameDeviceRequest{Name: "", Icon: "x"}, nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAPIControlDevice(t *testing.T) {
	srv, tr, _ := setupTestServer(t, "")

	w := doJSON(t, srv, "POST", "/api/devices/2/control", controlRequest{State: "ON", PWM: 60}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}

	var view DeviceView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.State != "ON" || view.PWM != 60 {
		t.Errorf("view = %+v, want ON at 60", view)
	}

	tr.mu.Lock()
	calls := len(tr.calls)
	tr.mu.Unlock()
	if calls != 1 {
		t.Errorf("transport calls = %d, want 1", calls)
	}

	// turning ON without an explicit level defaults to full
	w = doJSON(t, srv, "POST", "/api/devices/3/control", controlRequest{State: "ON"}, nil)
	json.NewDecoder(w.Body).Decode(&view)
	if view.PWM != 100 {
		t.Errorf("default pwm = %d, want 100", view.PWM)
	}

	// bad state string
	if w := doJSON(t, srv, "POST", "/api/devices/2/control", controlRequest{State: "DIM"}, nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAPIControlDeviceDisconnected(t *testing.T) {
	srv, tr, _ := setupTestServer(t, "")
	tr.Disconnect()

	w := doJSON(t, srv, "POST", "/api/devices/1/control", controlRequest{State: "ON", PWM: 80}, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}

	// state untouched
	var view DeviceView
	w = doJSON(t, srv, "GET", "/api/devices/1", nil, nil)
	json.NewDecoder(w.Body).Decode(&view)
	if view.State != "OFF" {
		t.Errorf("state = %q after failed command, want OFF", view.State)
	}
}

func TestAPISetIntensity(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	// turn on at 70, then disable intensity control: level snaps to full
	doJSON(t, srv, "POST", "/api/devices/1/control", controlRequest{State: "ON", PWM: 70}, nil)
	w := doJSON(t, srv, "POST", "/api/devices/1/intensity", intensityRequest{Enabled: false}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}

	var view DeviceView
	json.NewDecoder(w.Body).Decode(&view)
	if view.IntensityEnabled || view.PWM != 100 {
		t.Errorf("view = %+v, want intensity disabled at 100", view)
	}
}

func TestAPIScheduleLifecycle(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	in := scheduler.Input{
		Name: "Morning", Days: []int{1}, Time: "07:00",
		SwitchNum: 1, Action: store.ActionOn, Intensity: 80,
	}
	w := doJSON(t, srv, "POST", "/api/schedules", in, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	var created store.Schedule
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}

	w = doJSON(t, srv, "GET", "/api/schedules", nil, nil)
	var list []store.Schedule
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 {
		t.Fatalf("list count = %d, want 1", len(list))
	}

	in.Name = "Evening"
	in.Time = "21:00"
	w = doJSON(t, srv, "PUT", "/api/schedules/"+created.ID, in, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body)
	}

	if w := doJSON(t, srv, "DELETE", "/api/schedules/"+created.ID, nil, nil); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
}

func TestAPIScheduleValidation(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	in := scheduler.Input{
		Name: "Bad", Days: []int{1}, Time: "25:99",
		SwitchNum: 1, Action: store.ActionOn,
	}
	if w := doJSON(t, srv, "POST", "/api/schedules", in, nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAPIAdminGate(t *testing.T) {
	srv, _, _ := setupTestServer(t, "hunter2")

	in := scheduler.Input{
		Name: "Morning", Days: []int{1}, Time: "07:00",
		SwitchNum: 1, Action: store.ActionOn,
	}
	w := doJSON(t, srv, "POST", "/api/schedules", in, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	var created store.Schedule
	json.NewDecoder(w.Body).Decode(&created)

	// mutations are refused without a token
	if w := doJSON(t, srv, "DELETE", "/api/schedules/"+created.ID, nil, nil); w.Code != http.StatusForbidden {
		t.Errorf("delete without token: status = %d, want 403", w.Code)
	}
	if w := doJSON(t, srv, "GET", "/api/schedules/"+created.ID, nil, nil); w.Code != http.StatusForbidden {
		t.Errorf("edit without token: status = %d, want 403", w.Code)
	}
	if w := doJSON(t, srv, "PATCH", "/api/devices/1", renameDeviceRequest{Name: "Lamp", Icon: "fas fa-lightbulb"}, nil); w.Code != http.StatusForbidden {
		t.Errorf("rename without token: status = %d, want 403", w.Code)
	}

	// wrong password
	if w := doJSON(t, srv, "POST", "/api/login", loginRequest{Password: "wrong"}, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("login status = %d, want 401", w.Code)
	}

	// right password yields a working token
	w = doJSON(t, srv, "POST", "/api/login", loginRequest{Password: "hunter2"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d", w.Code)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	token := resp["token"]
	if token == "" {
		t.Fatal("empty token")
	}

	auth := map[string]string{"X-Auth-Token": token}
	if w := doJSON(t, srv, "GET", "/api/schedules/"+created.ID, nil, auth); w.Code != http.StatusOK {
		t.Errorf("edit with token: status = %d, want 200", w.Code)
	}
	if w := doJSON(t, srv, "DELETE", "/api/schedules/"+created.ID, nil, auth); w.Code != http.StatusOK {
		t.Errorf("delete with token: status = %d, want 200", w.Code)
	}
	if w := doJSON(t, srv, "PATCH", "/api/devices/1", renameDeviceRequest{Name: "Lamp", Icon: "fas fa-lightbulb"}, auth); w.Code != http.StatusOK {
		t.Errorf("rename with token: status = %d, want 200", w.Code)
	}
}

func TestAPIConnectionEndpoints(t *testing.T) {
	srv, tr, db := setupTestServer(t, "")

	var resp map[string]string
	w := doJSON(t, srv, "GET", "/api/connection", nil, nil)
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != transport.StatusConnected {
		t.Errorf("status = %q", resp["status"])
	}

	if w := doJSON(t, srv, "POST", "/api/connection/disconnect", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d", w.Code)
	}
	if tr.Status() != transport.StatusDisconnected {
		t.Error("transport still connected")
	}

	// connect with no stored broker settings
	if w := doJSON(t, srv, "POST", "/api/connection/connect", nil, nil); w.Code != http.StatusConflict {
		t.Errorf("connect status = %d, want 409", w.Code)
	}

	if err := db.SaveMQTTConfig(&store.MQTTConfig{
		Protocol: "wss", Broker: "broker.local", Port: 8081, Path: "/mqtt",
		ClientID: "dashboard", TopicControl: "home/control", TopicStatus: "home/status",
	}); err != nil {
		t.Fatal(err)
	}
	if w := doJSON(t, srv, "POST", "/api/connection/connect", nil, nil); w.Code != http.StatusAccepted {
		t.Errorf("connect status = %d, want 202", w.Code)
	}
}

func TestAPIConfig(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	req := configView{
		System: store.SystemConfig{RestoreState: "yes", AutoConnect: "no", AutoReconnect: "yes"},
		MQTT: store.MQTTConfig{
			Protocol: "wss", Broker: "broker.local", Port: 8081, Path: "/mqtt",
			ClientID: "dashboard", Password: "secret",
			TopicControl: "home/control", TopicStatus: "home/status",
		},
	}
	w := doJSON(t, srv, "PUT", "/api/config", req, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", w.Code, w.Body)
	}

	w = doJSON(t, srv, "GET", "/api/config", nil, nil)
	var got configView
	json.NewDecoder(w.Body).Decode(&got)
	if got.System.RestoreState != "yes" {
		t.Errorf("restore flag = %q", got.System.RestoreState)
	}
	if got.MQTT.Password == "secret" || got.MQTT.Password == "" {
		t.Errorf("password not masked: %q", got.MQTT.Password)
	}

	// invalid flag value
	req.System.AutoConnect = "maybe"
	if w := doJSON(t, srv, "PUT", "/api/config", req, nil); w.Code != http.StatusBadRequest {
		t.Errorf("put status = %d, want 400", w.Code)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")
	srv.version = "1.2.3"

	var resp map[string]string
	w := doJSON(t, srv, "GET", "/api/version", nil, nil)
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q", resp["version"])
	}
}
