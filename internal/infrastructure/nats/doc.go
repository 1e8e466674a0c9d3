// Package nats provides NATS connectivity for the microscope service and
// the device host.
//
// NATS is the low-latency alternative to MQTT for reaching devices on a
// device host: requests use core request/reply on microscope.rpc.{host}
// with a queue group on the exporter side, and lifecycle transitions are
// published on microscope.events.{host}.{device}.
//
// A device host on an isolated bench network can run an embedded server
// (RunEmbedded) so no separate broker is needed.
//
// Usage:
//
//	client, err := nats.Connect(cfg.NATS, "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	msg, err := client.Conn().RequestWithContext(ctx, nats.Subjects{}.RPC("bench-2"), payload)
package nats
