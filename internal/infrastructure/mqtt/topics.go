package mqtt

import (
	"fmt"
	"strings"

	"github.com/nerrad567/udmi-device/internal/udmi"
)

// Topics builds UDMI topic strings under a prefix ("/devices/" by default).
//
// Layout: <prefix><device_id>/{config|state|events/<sub>|commands/<name>|attach|detach|errors}
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return udmi.DefaultTopicPrefix
	}
	return t.Prefix
}

// Device returns the root topic of a device.
func (t Topics) Device(deviceID string) string {
	return t.prefix() + deviceID
}

// Channel returns the topic of an arbitrary channel, e.g. "events/pointset".
func (t Topics) Channel(deviceID, channel string) string {
	return fmt.Sprintf("%s/%s", t.Device(deviceID), channel)
}

// Config is the cloud-to-device config topic.
func (t Topics) Config(deviceID string) string {
	return t.Channel(deviceID, udmi.ChannelConfig)
}

// State is the device-to-cloud state topic.
func (t Topics) State(deviceID string) string {
	return t.Channel(deviceID, udmi.ChannelState)
}

// Events is the telemetry topic for a sub-folder.
func (t Topics) Events(deviceID, subfolder string) string {
	return t.Channel(deviceID, udmi.ChannelEvents+"/"+subfolder)
}

// Command is the topic of one named command.
func (t Topics) Command(deviceID, name string) string {
	return t.Channel(deviceID, udmi.ChannelCommands+"/"+name)
}

// AllCommands matches every command for a device.
func (t Topics) AllCommands(deviceID string) string {
	return t.Channel(deviceID, udmi.ChannelCommands+"/#")
}

// Attach announces a proxy device through the gateway session.
func (t Topics) Attach(deviceID string) string {
	return t.Channel(deviceID, udmi.ChannelAttach)
}

// Detach withdraws a proxy device.
func (t Topics) Detach(deviceID string) string {
	return t.Channel(deviceID, udmi.ChannelDetach)
}

// Errors carries broker-side error reports for a device.
func (t Topics) Errors(deviceID string) string {
	return t.Channel(deviceID, udmi.ChannelErrors)
}

// Parse splits a topic into device id and channel. The channel keeps any
// sub-path, e.g. "commands/reboot".
func (t Topics) Parse(topic string) (deviceID, channel string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix())
	if !found {
		return "", "", false
	}
	deviceID, channel, found = strings.Cut(rest, "/")
	if !found || deviceID == "" || channel == "" {
		return "", "", false
	}
	return deviceID, channel, true
}
