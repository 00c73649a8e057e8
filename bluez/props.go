package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/user/bproximity/radio"
)

// BlueZ D-Bus names
const (
	bluezBus            = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	gattManagerIface    = "org.bluez.GattManager1"
	gattServiceIface    = "org.bluez.GattService1"
	gattCharIface       = "org.bluez.GattCharacteristic1"
	advManagerIface     = "org.bluez.LEAdvertisingManager1"
	advertisementIface  = "org.bluez.LEAdvertisement1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"
	propertiesChanged   = propsIface + ".PropertiesChanged"
	interfacesAdded     = objManagerIface + ".InterfacesAdded"
	interfacesRemoved   = objManagerIface + ".InterfacesRemoved"
	errFailed           = "org.bluez.Error.Failed"
	errInvalidOffset    = "org.bluez.Error.InvalidOffset"
	errInvalidLength    = "org.bluez.Error.InvalidValueLength"
	errNotSupported     = "org.bluez.Error.NotSupported"
	errNotPermitted     = "org.bluez.Error.NotPermitted"
	defaultAdapterName  = "hci0"
	managedObjectsCall  = objManagerIface + ".GetManagedObjects"
	characteristicFlags = "Flags"
)

// managedObjects is the GetManagedObjects reply shape.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

var flagNames = []struct {
	prop radio.Properties
	name string
}{
	{radio.PropRead, "read"},
	{radio.PropWriteWithoutResponse, "write-without-response"},
	{radio.PropWrite, "write"},
	{radio.PropNotify, "notify"},
}

// flagsFor renders characteristic properties as GattCharacteristic1 flags.
func flagsFor(p radio.Properties) []string {
	var out []string
	for _, f := range flagNames {
		if p.Has(f.prop) {
			out = append(out, f.name)
		}
	}
	return out
}

// propertiesFrom parses GattCharacteristic1 flags. Unknown flags are ignored.
func propertiesFrom(flags []string) radio.Properties {
	var p radio.Properties
	for _, s := range flags {
		for _, f := range flagNames {
			if s == f.name {
				p |= f.prop
			}
		}
	}
	return p
}

// stateFor maps adapter presence and power to a manager state.
func stateFor(present, powered bool) radio.ManagerState {
	switch {
	case !present:
		return radio.StateUnsupported
	case powered:
		return radio.StatePoweredOn
	default:
		return radio.StatePoweredOff
	}
}

// adapterPath is /org/bluez/{adapter}.
func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// devicePath converts a MAC address to its BlueZ object path.
func devicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, strings.ReplaceAll(address, ":", "_")))
}

// addressFromPath extracts the MAC address from a device object path or any
// path below it. Returns "" for paths that are not under a device.
func addressFromPath(p dbus.ObjectPath) string {
	for _, part := range strings.Split(string(p), "/") {
		if strings.HasPrefix(part, "dev_") {
			return strings.ReplaceAll(strings.TrimPrefix(part, "dev_"), "_", ":")
		}
	}
	return ""
}

// under reports whether p lies strictly below parent.
func under(p, parent dbus.ObjectPath) bool {
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// parseUUIDs converts BlueZ UUID strings, skipping malformed entries.
func parseUUIDs(ss []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ss))
	for _, s := range ss {
		if u, err := uuid.Parse(s); err == nil {
			out = append(out, u)
		}
	}
	return out
}

func uuidStrings(us []uuid.UUID) []string {
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = u.String()
	}
	return out
}

// variant reads key from props as T.
func variant[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

// advertisementFrom builds the advertisement view of Device1 properties.
// BlueZ does not expose connectability; devices it reports are assumed
// connectable and a failed Connect says otherwise.
func advertisementFrom(props map[string]dbus.Variant) (adv radio.Advertisement, rssi int, hasRSSI bool) {
	adv.Connectable = true
	if name, ok := variant[string](props, "Name"); ok {
		adv.LocalName = name
	}
	if ss, ok := variant[[]string](props, "UUIDs"); ok {
		adv.ServiceUUIDs = parseUUIDs(ss)
	}
	if r, ok := variant[int16](props, "RSSI"); ok {
		rssi, hasRSSI = int(r), true
	}
	return adv, rssi, hasRSSI
}

// writeOptions selects a WriteValue type.
func writeOptions(wt radio.WriteType) map[string]dbus.Variant {
	kind := "request"
	if wt == radio.WriteWithoutResponse {
		kind = "command"
	}
	return map[string]dbus.Variant{"type": dbus.MakeVariant(kind)}
}

// requestFrom reads the remote device and offset out of ReadValue/WriteValue
// options.
func requestFrom(char uuid.UUID, opts map[string]dbus.Variant) *radio.ATTRequest {
	req := &radio.ATTRequest{Characteristic: char}
	if dev, ok := variant[dbus.ObjectPath](opts, "device"); ok {
		req.Central = radio.DeviceHandle(addressFromPath(dev))
	}
	if off, ok := variant[uint16](opts, "offset"); ok {
		req.Offset = int(off)
	}
	return req
}

// errorFor converts a non-success ATT result into the BlueZ error a GATT
// server method returns.
func errorFor(result radio.ATTResult) *dbus.Error {
	name := errFailed
	switch result {
	case radio.ATTSuccess:
		return nil
	case radio.ATTInvalidOffset:
		name = errInvalidOffset
	case radio.ATTInvalidAttributeValueLength:
		name = errInvalidLength
	case radio.ATTRequestNotSupported:
		name = errNotSupported
	case radio.ATTReadNotPermitted, radio.ATTWriteNotPermitted:
		name = errNotPermitted
	}
	return dbus.NewError(name, []interface{}{result.String()})
}
