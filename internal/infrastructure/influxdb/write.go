package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementPoints = "udmi_points"
	measurementSystem = "udmi_system"
)

// WritePointValue records one published point value. units may be empty.
// Safe on a nil or disconnected client, where it does nothing.
func (c *Client) WritePointValue(deviceID, point, units string, value float64, at time.Time) {
	if !c.IsConnected() {
		return
	}
	tags := map[string]string{
		"device_id": deviceID,
		"point":     point,
	}
	if units != "" {
		tags["units"] = units
	}
	c.writeAPI.WritePoint(write.NewPoint(measurementPoints, tags, map[string]interface{}{"value": value}, at))
}

// WriteSystemMetrics records the fields of a system metrics event.
func (c *Client) WriteSystemMetrics(deviceID string, fields map[string]interface{}, at time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurementSystem, map[string]string{"device_id": deviceID}, fields, at))
}
