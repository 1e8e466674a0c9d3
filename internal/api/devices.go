package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/registry"
)

// deviceResponse is an entry plus its live status when it can be read.
type deviceResponse struct {
	registry.Entry
	Status *device.Status `json:"status,omitempty"`
}

// settingResponse is a descriptor with the setting's current value.
type settingResponse struct {
	device.SettingDescriptor
	Value *device.Value `json:"value,omitempty"`
	Error string        `json:"error,omitempty"`
}

// setSettingRequest is the body of PUT /devices/{name}/settings/{setting}.
// Value is either a plain JSON value converted using the setting's type, or
// the typed form {"type": "float", "value": 12.5}.
type setSettingRequest struct {
	Value json.RawMessage `json:"value"`
}

// setSettingsRequest is the body of PATCH /devices/{name}/settings.
type setSettingsRequest struct {
	Settings map[string]json.RawMessage `json:"settings"`
}

// rawChange is one change in a batch apply request.
type rawChange struct {
	Device  string          `json:"device"`
	Setting string          `json:"setting"`
	Value   json.RawMessage `json:"value"`
}

// applyRequest is the body of POST /devices/apply.
type applyRequest struct {
	Changes []rawChange `json:"changes"`
}

// handleListDevices returns every registered device.
//
// Query parameters:
//   - class: filter by device class (camera, light_source, ...)
//   - origin: "local" or "remote"
//   - available: "true" or "false"
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	class := r.URL.Query().Get("class")
	origin := r.URL.Query().Get("origin")
	avail := r.URL.Query().Get("available")

	entries := s.registry.List()
	out := make([]registry.Entry, 0, len(entries))
	for _, e := range entries {
		if class != "" && string(e.Class) != class {
			continue
		}
		if origin != "" && string(e.Origin) != origin {
			continue
		}
		if avail != "" && (avail == "true") != e.Available {
			continue
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

// handleGetDevice returns a single device with its status.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	e, err := s.registry.Lookup(chi.URLParam(r, "name"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}

	resp := deviceResponse{Entry: e}
	if st, err := e.Device.Status(r.Context()); err == nil {
		resp.Status = &st
	} else {
		s.logger.Debug("device status unavailable", "device", e.Name, "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDescribeDevice returns the device's capability descriptor.
func (s *Server) handleDescribeDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.registry.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	desc, err := dev.Describe(r.Context())
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// handleDeviceStatus returns the device's status. It works for unavailable
// devices too, so a faulted device can be inspected.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	e, err := s.registry.Lookup(chi.URLParam(r, "name"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	st, err := e.Device.Status(r.Context())
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListSettings returns every setting descriptor with its current value.
// A setting that cannot be read carries the error instead of a value.
func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	dev, err := s.registry.Get(name)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	descs, err := dev.EnumerateSettings(r.Context())
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}

	out := make([]settingResponse, 0, len(descs))
	for _, sd := range descs {
		item := settingResponse{SettingDescriptor: sd}
		v, err := dev.GetSetting(r.Context(), sd.Name)
		if err != nil {
			item.Error = err.Error()
		} else {
			item.Value = &v
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": name, "settings": out})
}

// handleGetSetting returns one setting's current value.
func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	name, setting := chi.URLParam(r, "name"), chi.URLParam(r, "setting")
	dev, err := s.registry.Get(name)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	v, err := dev.GetSetting(r.Context(), setting)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": name, "setting": setting, "value": v})
}

// handleSetSetting validates one change against the descriptor and every
// dependency, then applies it.
func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	name, setting := chi.URLParam(r, "name"), chi.URLParam(r, "setting")

	var req setSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Value) == 0 {
		writeBadRequest(w, "value is required")
		return
	}

	s.applyChanges(w, r, []rawChange{{Device: name, Setting: setting, Value: req.Value}})
}

// handleSetSettings applies several settings on one device as a unit.
func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req setSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Settings) == 0 {
		writeBadRequest(w, "settings are required")
		return
	}

	changes := make([]rawChange, 0, len(req.Settings))
	for setting, raw := range req.Settings {
		changes = append(changes, rawChange{Device: name, Setting: setting, Value: raw})
	}
	s.applyChanges(w, r, changes)
}

// handleApplySettings applies changes across devices. The batch is checked
// against every dependency as one configuration before anything is staged.
func (s *Server) handleApplySettings(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Changes) == 0 {
		writeBadRequest(w, "changes are required")
		return
	}
	for i, c := range req.Changes {
		if c.Device == "" || c.Setting == "" || len(c.Value) == 0 {
			writeBadRequest(w, fmt.Sprintf("change %d: device, setting and value are required", i))
			return
		}
	}
	s.applyChanges(w, r, req.Changes)
}

func (s *Server) applyChanges(w http.ResponseWriter, r *http.Request, raw []rawChange) {
	changes, err := s.coerceChanges(r.Context(), raw)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	if err := s.registry.Apply(r.Context(), changes); err != nil {
		s.writeDeviceError(w, r, err)
		return
	}

	applied := make([]map[string]any, 0, len(changes))
	for _, c := range changes {
		applied = append(applied, map[string]any{"device": c.Device, "setting": c.Setting, "value": c.Value})
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

// coerceChanges converts raw JSON values using each setting's declared type.
func (s *Server) coerceChanges(ctx context.Context, raw []rawChange) ([]registry.Change, error) {
	descs := make(map[string]device.Descriptor)
	out := make([]registry.Change, 0, len(raw))
	for _, c := range raw {
		desc, ok := descs[c.Device]
		if !ok {
			dev, err := s.registry.Get(c.Device)
			if err != nil {
				return nil, err
			}
			if desc, err = dev.Describe(ctx); err != nil {
				return nil, err
			}
			descs[c.Device] = desc
		}
		sd, ok := desc.Setting(c.Setting)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no setting %q", device.ErrUnsupportedOperation, c.Device, c.Setting)
		}
		v, err := decodeValue(sd, c.Value)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", c.Device, c.Setting, err)
		}
		out = append(out, registry.Change{Device: c.Device, Setting: c.Setting, Value: v})
	}
	return out, nil
}

// decodeValue accepts the typed value form or a plain JSON value.
func decodeValue(sd device.SettingDescriptor, raw json.RawMessage) (device.Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var v device.Value
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return device.Value{}, fmt.Errorf("%w: %w", device.ErrInvalidSettingValue, err)
		}
		return device.Coerce(sd, v)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var plain any
	if err := dec.Decode(&plain); err != nil {
		return device.Value{}, fmt.Errorf("%w: %w", device.ErrInvalidSettingValue, err)
	}
	return device.Coerce(sd, plain)
}

// handleFlushDevice writes the device's staged settings to the hardware.
func (s *Server) handleFlushDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.registry.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	if err := dev.Flush(r.Context()); err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	s.writeStatus(w, r, dev)
}

// handleInitializeDevice (re)initialises a device, making a faulted or shut
// down device available again.
func (s *Server) handleInitializeDevice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Reinitialize(r.Context(), name); err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	dev, err := s.registry.Get(name)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	s.writeStatus(w, r, dev)
}

// handleShutdownDevice releases the device's hardware.
func (s *Server) handleShutdownDevice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Shutdown(r.Context(), name); err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	e, err := s.registry.Lookup(name)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	s.writeStatus(w, r, e.Device)
}

// handleAbortDevice stops any acquisition on the device. It is valid in
// every state, including on unavailable devices.
func (s *Server) handleAbortDevice(w http.ResponseWriter, r *http.Request) {
	e, err := s.registry.Lookup(chi.URLParam(r, "name"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	if err := e.Device.Abort(r.Context()); err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	s.writeStatus(w, r, e.Device)
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, dev device.Device) {
	st, err := dev.Status(r.Context())
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
