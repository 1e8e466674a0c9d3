// Package influxdb records session and device metrics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Client implements
// the session coordinator's metrics hook, so arm latencies and session
// outcomes land in InfluxDB as they happen:
//
//	session_arm_latency,session=<id>,device=<name> latency_ms=<float>
//	session_result,session=<id> success=<bool>,participants=<int>,duration_ms=<float>
//	device_transition,device=<name>,from=<state>,to=<state> count=1i,reason="..."
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	coord := session.NewCoordinator(cfg, session.Deps{Metrics: client})
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Asynchronous write errors are delivered to the
// SetOnError callback; connection and health check errors are returned
// directly.
package influxdb
