package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"mqtt-go-home/internal/registry"
	"mqtt-go-home/internal/scheduler"
	"mqtt-go-home/internal/store"
	"mqtt-go-home/internal/transport"
)

// DeviceView is a device with its runtime state folded in, the shape the
// dashboard renders.
type DeviceView struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	Icon             string `json:"icon"`
	State            string `json:"state"`
	PWM              int    `json:"pwm"`
	IntensityEnabled bool   `json:"intensityEnabled"`
}

func (s *Server) deviceView(dev store.Device) DeviceView {
	v := DeviceView{
		ID:   dev.ID,
		Name: dev.Name,
		Icon: dev.Icon,
	}
	if state, err := s.registry.State(dev.ID); err == nil {
		if state.On {
			v.State = "ON"
		} else {
			v.State = "OFF"
		}
		v.PWM = state.Intensity
		v.IntensityEnabled = state.IntensityEnabled
	}
	return v
}

func pathID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	return id, err == nil && id > 0
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.Devices()
	views := make([]DeviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, s.deviceView(dev))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}
	dev, err := s.registry.Get(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deviceView(dev))
}

type renameDeviceRequest struct {
	Name string `json:"name"`
	Icon string `json:"icon"`
}

// handleRenameDevice updates a device's label and icon. Device
// configuration is an admin operation, like the settings endpoints.
func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin privilege required"})
		return
	}

	id, ok := pathID(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.registry.UpdateDevice(id, req.Name, req.Icon); err != nil {
		var verr *registry.ValidationError
		switch {
		case errors.As(err, &verr):
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
		case errors.Is(err, registry.ErrNotFound):
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		default:
			s.logger.Error("rename device", "err", err, "id", id)
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		}
		return
	}

	dev, _ := s.registry.Get(id)
	s.writeJSON(w, http.StatusOK, s.deviceView(dev))
}

type controlRequest struct {
	State string `json:"state"`
	PWM   int    `json:"pwm"`
}

// handleControlDevice publishes a switch command and mirrors the new state
// into the registry. A disconnected transport rejects the request; nothing
// is queued.
func (s *Server) handleControlDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}
	if _, err := s.registry.Get(id); err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	var req controlRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var on bool
	switch req.State {
	case "ON":
		on = true
	case "OFF":
		on = false
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state must be ON or OFF"})
		return
	}

	pwm := req.PWM
	if on && pwm == 0 {
		pwm = 100
	}
	if !on {
		pwm = 0
	}

	if err := s.transport.ControlDevice(id, on, pwm); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "mqtt not connected"})
			return
		}
		s.logger.Error("control device", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	if err := s.registry.SetState(id, on, pwm); err != nil {
		s.logger.Error("update device state", "err", err, "id", id)
	}

	dev, _ := s.registry.Get(id)
	s.writeJSON(w, http.StatusOK, s.deviceView(dev))
}

type intensityRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetIntensity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}

	var req intensityRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.registry.SetIntensityEnabled(id, req.Enabled); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("set intensity mode", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	dev, _ := s.registry.Get(id)
	s.writeJSON(w, http.StatusOK, s.deviceView(dev))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.List())
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduler.Input
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	created, err := s.scheduler.Create(in)
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// handleGetSchedule serves the edit form prefill and is admin-gated like
// the mutations. The schedule stays live until the PUT lands.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.scheduler.BeginEdit(r.PathValue("id"), s.isAdmin(r))
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduler.Input
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	updated, err := s.scheduler.Update(r.PathValue("id"), in, s.isAdmin(r))
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Delete(r.PathValue("id"), s.isAdmin(r)); err != nil {
		s.writeScheduleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeScheduleError(w http.ResponseWriter, err error) {
	var verr *scheduler.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case errors.Is(err, scheduler.ErrUnauthorized):
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin privilege required"})
	case errors.Is(err, scheduler.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "schedule not found"})
	default:
		s.logger.Error("schedule operation", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": s.transport.Status()})
}

// handleConnect starts a broker session in the background; connection_state
// events report the outcome.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetMQTTConfig()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": "mqtt not configured"})
			return
		}
		s.logger.Error("load mqtt config", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	go func() {
		if err := s.transport.Connect(*cfg); err != nil {
			s.logger.Warn("connect", "err", err)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": transport.StatusConnecting})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.transport.Disconnect()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": transport.StatusDisconnected})
}

// configView is the combined configuration payload. The broker password is
// masked on the way out; an empty password on the way in keeps the stored
// one.
type configView struct {
	System store.SystemConfig `json:"system"`
	MQTT   store.MQTTConfig   `json:"mqtt"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	var view configView
	if sys, err := s.store.GetSystemConfig(); err == nil {
		view.System = *sys
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("load system config", "err", err)
	}
	if mqtt, err := s.store.GetMQTTConfig(); err == nil {
		view.MQTT = *mqtt
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("load mqtt config", "err", err)
	}
	view.MQTT.Password = maskSecret(view.MQTT.Password)
	s.writeJSON(w, http.StatusOK, view)
}

// handleUpdateConfig persists the runtime configuration and pushes the
// flags to the components that cache them.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin privilege required"})
		return
	}

	var req configView
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	for _, flag := range []string{req.System.RestoreState, req.System.AutoConnect, req.System.AutoReconnect} {
		if flag != store.FlagYes && flag != store.FlagNo {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "system flags must be yes or no"})
			return
		}
	}

	if req.MQTT.Password == "" {
		if stored, err := s.store.GetMQTTConfig(); err == nil {
			req.MQTT.Password = stored.Password
		}
	}

	if err := s.store.SaveSystemConfig(&req.System); err != nil {
		s.logger.Error("save system config", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if err := s.store.SaveMQTTConfig(&req.MQTT); err != nil {
		s.logger.Error("save mqtt config", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.registry.SetRestoreEnabled(req.System.RestoreEnabled())
	s.transport.SetAutoReconnect(req.System.AutoReconnectEnabled())

	s.logger.Info("configuration updated")
	req.MQTT.Password = maskSecret(req.MQTT.Password)
	s.writeJSON(w, http.StatusOK, req)
}
