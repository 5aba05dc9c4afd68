// Package influxdb is the optional point historian. It records every value
// published in a pointset event, and the periodic system metrics, to an
// InfluxDB v2 bucket.
//
// Writes are non-blocking and batched by the client library according to
// historian.batch_size and historian.flush_interval; write errors arrive
// asynchronously through SetOnError.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.Historian)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.WritePointValue("AHU-1", "supply_temp", "Celsius", 21.5, time.Now())
package influxdb
