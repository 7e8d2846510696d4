package bus

import (
	"fmt"

	"github.com/shorelink/shorelink/internal/alerts"
	relayerrors "github.com/shorelink/shorelink/internal/errors"
	"github.com/shorelink/shorelink/internal/state"
)

// Typed mutators invoked by the command router. Each is idempotent: a
// repeated application commits an empty patch and leaves the seq unchanged.

// UpdateAnchorState merges the payload into the anchor subtree.
func (b *Bus) UpdateAnchorState(payload map[string]any) (state.Patch, uint64, error) {
	if len(payload) == 0 {
		return nil, 0, relayerrors.NewInvalidCommand("anchor_update", "empty payload")
	}
	batch := make(map[string]any, len(payload))
	for key, value := range payload {
		batch["anchor."+key] = value
	}
	return b.Commit(batch)
}

// ResetAnchorState wipes the anchor subtree and resolves all auto-resolvable
// anchor alerts in the same commit.
func (b *Bus) ResetAnchorState() (state.Patch, uint64, error) {
	return b.commitFn(func(curr state.Tree) map[string]any {
		batch := map[string]any{
			state.KeyAnchor: state.Replace{Value: state.Tree{}},
		}
		list := state.LookupSlice(curr, state.KeyActiveAlerts)
		if resolved, n := alerts.ResolveCategory(list, alerts.CategoryAnchor, b.now()); n > 0 {
			batch[state.KeyActiveAlerts] = state.Replace{Value: resolved}
		}
		return batch
	})
}

// UpdateTide merges a tide payload and notifies tide listeners.
func (b *Bus) UpdateTide(payload map[string]any) error {
	if _, _, err := b.Commit(map[string]any{state.KeyTide: payload}); err != nil {
		return err
	}
	for _, fn := range b.tideListeners() {
		fn(payload)
	}
	return nil
}

// UpdateWeather merges a weather payload and notifies weather listeners.
func (b *Bus) UpdateWeather(payload map[string]any) error {
	if _, _, err := b.Commit(map[string]any{state.KeyWeather: payload}); err != nil {
		return err
	}
	for _, fn := range b.weatherListeners() {
		fn(payload)
	}
	return nil
}

func (b *Bus) tideListeners() []func(map[string]any) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	out := make([]func(map[string]any), 0, len(b.tideSubs))
	for _, fn := range b.tideSubs {
		out = append(out, fn)
	}
	return out
}

func (b *Bus) weatherListeners() []func(map[string]any) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	out := make([]func(map[string]any), 0, len(b.weatherSubs))
	for _, fn := range b.weatherSubs {
		out = append(out, fn)
	}
	return out
}

// ToggleBluetooth flips the Bluetooth subsystem on or off.
func (b *Bus) ToggleBluetooth(enabled bool) error {
	_, _, err := b.Commit(map[string]any{"bluetooth.enabled": enabled})
	return err
}

// UpdateBluetoothScanningStatus records whether a device scan is running.
func (b *Bus) UpdateBluetoothScanningStatus(scanning bool) error {
	_, _, err := b.Commit(map[string]any{"bluetooth.scanning": scanning})
	return err
}

// SetBluetoothDeviceSelected marks a device as selected for sensor reads.
func (b *Bus) SetBluetoothDeviceSelected(deviceID string, selected bool) error {
	if deviceID == "" {
		return relayerrors.NewInvalidCommand("bluetooth_select", "missing device id")
	}
	_, _, err := b.Commit(map[string]any{
		fmt.Sprintf("bluetooth.devices.%s.selected", deviceID): selected,
	})
	return err
}

// RenameBluetoothDevice sets a device's display name.
func (b *Bus) RenameBluetoothDevice(deviceID, name string) error {
	if deviceID == "" {
		return relayerrors.NewInvalidCommand("bluetooth_rename", "missing device id")
	}
	_, _, err := b.Commit(map[string]any{
		fmt.Sprintf("bluetooth.devices.%s.name", deviceID): name,
	})
	return err
}

// UpdateBluetoothDeviceMetadata merges metadata for a device.
func (b *Bus) UpdateBluetoothDeviceMetadata(deviceID string, metadata map[string]any) error {
	if deviceID == "" {
		return relayerrors.NewInvalidCommand("bluetooth_metadata", "missing device id")
	}
	_, _, err := b.Commit(map[string]any{
		fmt.Sprintf("bluetooth.devices.%s.metadata", deviceID): metadata,
	})
	return err
}

// SyncNotification reflects a SignalK notification into alerts.active.
// Trigger uniqueness is enforced here, keeping the SignalK path and the rule
// engine from double-firing on the same trigger.
func (b *Bus) SyncNotification(trigger string, active bool, seed alerts.Seed) error {
	_, _, err := b.commitFn(func(curr state.Tree) map[string]any {
		list := state.LookupSlice(curr, state.KeyActiveAlerts)
		now := b.now()
		if active {
			next, appended := alerts.Append(list, alerts.FromSeed(seed, trigger, now))
			if !appended {
				return nil
			}
			return map[string]any{state.KeyActiveAlerts: state.Replace{Value: next}}
		}
		next, n := alerts.ResolveTrigger(list, trigger, now)
		if n == 0 {
			return nil
		}
		return map[string]any{state.KeyActiveAlerts: state.Replace{Value: next}}
	})
	return err
}
