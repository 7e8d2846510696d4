// Package commands gives each typed client command a validated mutator
// against the state bus and a shaped ack frame.
package commands

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/bus"
	"github.com/shorelink/shorelink/internal/derive"
	relayerrors "github.com/shorelink/shorelink/internal/errors"
	"github.com/shorelink/shorelink/internal/metrics"
	"github.com/shorelink/shorelink/internal/state"
	"github.com/shorelink/shorelink/internal/units"
)

// Router dispatches typed commands to bus mutators. Every mutator is
// idempotent: repeating a command commits an empty patch.
type Router struct {
	bus    *bus.Bus
	logger zerolog.Logger
	now    func() time.Time
}

// NewRouter builds a router over the bus.
func NewRouter(b *bus.Bus, logger zerolog.Logger) *Router {
	return &Router{
		bus:    b,
		logger: logger.With().Str("component", "commands").Logger(),
		now:    time.Now,
	}
}

// Handle executes one normalized command and returns its ack frame. The
// second return is false for command types this router does not own.
func (r *Router) Handle(msgType string, msg map[string]any) (map[string]any, bool) {
	ackFrame, handled := r.dispatch(msgType, msg)
	if handled {
		outcome := "ok"
		if success, ok := ackFrame["success"].(bool); ok && !success {
			outcome = "error"
		}
		metrics.CommandsTotal.WithLabelValues(msgType, outcome).Inc()
	}
	return ackFrame, handled
}

func (r *Router) dispatch(msgType string, msg map[string]any) (map[string]any, bool) {
	switch msgType {
	case "anchor:update":
		return r.anchorUpdate(msg), true
	case "anchor:reset":
		return r.anchorReset(), true
	case "bluetooth:toggle":
		return r.bluetoothAck("toggle", r.bus.ToggleBluetooth(boolField(msg, "enabled"))), true
	case "bluetooth:scan":
		return r.bluetoothAck("scan", r.bus.UpdateBluetoothScanningStatus(boolField(msg, "scanning"))), true
	case "bluetooth:select-device":
		return r.bluetoothAck("select-device", r.bus.SetBluetoothDeviceSelected(stringField(msg, "deviceId"), true)), true
	case "bluetooth:deselect-device":
		return r.bluetoothAck("deselect-device", r.bus.SetBluetoothDeviceSelected(stringField(msg, "deviceId"), false)), true
	case "bluetooth:rename-device":
		return r.bluetoothAck("rename-device", r.bus.RenameBluetoothDevice(stringField(msg, "deviceId"), stringField(msg, "name"))), true
	case "bluetooth:update-metadata":
		metadata, _ := msg["metadata"].(map[string]any)
		return r.bluetoothAck("update-metadata", r.bus.UpdateBluetoothDeviceMetadata(stringField(msg, "deviceId"), metadata)), true
	case "tide:update":
		data, _ := msg["data"].(map[string]any)
		if len(data) == 0 {
			return r.ack("tide:update:ack", relayerrors.NewInvalidCommand("tide_update", "empty payload")), true
		}
		return r.ack("tide:update:ack", r.bus.UpdateTide(data)), true
	case "weather:update":
		data, _ := msg["data"].(map[string]any)
		if len(data) == 0 {
			return r.ack("weather:update:ack", relayerrors.NewInvalidCommand("weather_update", "empty payload")), true
		}
		return r.ack("weather:update:ack", r.bus.UpdateWeather(data)), true
	}
	return nil, false
}

// anchorUpdate merges the anchor payload. When the payload asks for it, the
// anchor location is projected from the drop point along the drop-to-boat
// bearing at rode length before committing.
func (r *Router) anchorUpdate(msg map[string]any) map[string]any {
	payload := anchorPayload(msg)
	if project, _ := payload["computeAnchorLocation"].(bool); project {
		delete(payload, "computeAnchorLocation")
		if loc, ok := r.projectAnchorLocation(payload); ok {
			payload["anchorLocation"] = loc
		}
	}

	_, seq, err := r.bus.UpdateAnchorState(payload)
	ackFrame := r.ack("anchor:update:ack", err)
	if err == nil {
		ackFrame["seq"] = seq
	}
	return ackFrame
}

func (r *Router) anchorReset() map[string]any {
	_, seq, err := r.bus.ResetAnchorState()
	ackFrame := r.ack("anchor:reset:ack", err)
	if err == nil {
		ackFrame["seq"] = seq
	}
	return ackFrame
}

// projectAnchorLocation derives the anchor position from the drop point, the
// current boat position, and the rode length. Missing inputs leave the
// location unset rather than failing the update.
func (r *Router) projectAnchorLocation(payload map[string]any) (map[string]any, bool) {
	snap, _ := r.bus.CurrentSnapshot()

	drop := dropPosition(payload, snap)
	boatLat, okLat := state.LookupFloat(snap, "navigation.position.latitude")
	boatLon, okLon := state.LookupFloat(snap, "navigation.position.longitude")
	rodeM, okRode := rodeMeters(payload, snap)
	if drop == nil || !okLat || !okLon || !okRode {
		return nil, false
	}

	bearing := derive.InitialBearing(drop[0], drop[1], boatLat, boatLon)
	lat, lon := derive.Project(drop[0], drop[1], bearing, rodeM)
	return map[string]any{
		"position": map[string]any{"latitude": lat, "longitude": lon},
		"time":     r.now().UnixMilli(),
	}, true
}

// dropPosition reads the drop point from the payload if present, falling
// back to the committed anchor state.
func dropPosition(payload map[string]any, snap state.Tree) *[2]float64 {
	read := func(tree state.Tree) *[2]float64 {
		lat, okLat := state.LookupFloat(tree, "anchorDropLocation.position.latitude")
		lon, okLon := state.LookupFloat(tree, "anchorDropLocation.position.longitude")
		if !okLat || !okLon {
			return nil
		}
		return &[2]float64{lat, lon}
	}
	if pos := read(state.Tree(payload)); pos != nil {
		return pos
	}
	return read(state.LookupTree(snap, state.KeyAnchor))
}

func rodeMeters(payload map[string]any, snap state.Tree) (float64, bool) {
	read := func(tree state.Tree) (float64, bool) {
		amount, ok := state.LookupFloat(tree, "rode.amount")
		if !ok {
			return 0, false
		}
		unit, _ := state.LookupString(tree, "rode.units")
		if unit == "" {
			return amount, true
		}
		meters, err := units.Convert(amount, unit, units.SIMeters)
		if err != nil {
			return 0, false
		}
		return meters, true
	}
	if m, ok := read(state.Tree(payload)); ok {
		return m, true
	}
	return read(state.LookupTree(snap, state.KeyAnchor))
}

// anchorPayload pulls the anchor fields out of either the nested data form
// or the flat message form.
func anchorPayload(msg map[string]any) map[string]any {
	if data, ok := msg["data"].(map[string]any); ok {
		return data
	}
	payload := make(map[string]any, len(msg))
	for key, value := range msg {
		if key == "type" || key == "requestId" {
			continue
		}
		payload[key] = value
	}
	return payload
}

func (r *Router) ack(ackType string, err error) map[string]any {
	frame := map[string]any{
		"type":      ackType,
		"success":   err == nil,
		"timestamp": r.now().UnixMilli(),
	}
	if err != nil {
		frame["error"] = err.Error()
		r.logger.Warn().Err(err).Str("ack", ackType).Msg("Command failed")
	}
	return frame
}

func (r *Router) bluetoothAck(action string, err error) map[string]any {
	frame := map[string]any{
		"type":    "bluetooth:response",
		"action":  action,
		"success": err == nil,
	}
	if err != nil {
		frame["error"] = err.Error()
		r.logger.Warn().Err(err).Str("action", action).Msg("Bluetooth command failed")
	}
	return frame
}

func boolField(msg map[string]any, key string) bool {
	b, _ := msg[key].(bool)
	return b
}

func stringField(msg map[string]any, key string) string {
	s, _ := msg[key].(string)
	return s
}
