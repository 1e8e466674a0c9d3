// Package remote makes a device on another machine usable as if it were
// local.
//
// A device host wraps its devices in an Exporter and serves it over MQTT
// (ServeMQTT) or NATS (ServeNATS). The core process talks to each remote
// device through a Proxy, which implements device.Device on top of a
// Transport.
//
// Every request carries an id. Link failures are retried with exponential
// backoff using the same id, and the exporter answers a repeated id from its
// replay cache, so an operation is executed at most once even when a reply
// is lost. Device errors keep their kind across the wire; only a link that
// stays down after the retries surfaces as device.ErrRemoteUnavailable.
//
// The proxy caches descriptors and writable setting values while the far
// device is Idle. The cache is dropped on any write and whenever the far
// side reports Uninitialized, ShuttingDown or Faulted.
//
// Wire format:
//
//	request  → microscope/rpc/{host}/request      (MQTT)
//	           microscope.rpc.{host}               (NATS, queue group)
//	response → microscope/rpc/reply/{client}      (MQTT)
//	           NATS reply inbox
//	events   → microscope/host/{host}/transition/{device}
//	           microscope.events.{host}.{device}
package remote
