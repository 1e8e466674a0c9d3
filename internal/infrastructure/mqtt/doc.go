// Package mqtt is the broker connection shared by the microscope service
// and device hosts.
//
// MQTT is one of the two transports remote devices are reached through.
// A device host subscribes to its request topic and publishes lifecycle
// transitions; the service publishes requests and listens on its own reply
// topic. Topics builds every topic name used on the broker.
//
// # Presence
//
// Every client keeps a retained Status on a status topic: online after
// each (re)connect, offline with ReasonShutdown on Close, and offline with
// ReasonConnectionLost as the broker-published will. The service uses
// Topics.SystemStatus; a device host connects with
//
//	mqtt.Connect(cfg.MQTT, mqtt.WithStatusTopic(mqtt.Topics{}.HostStatus(name)))
//
// and the service watches Topics.AllHostStatus, decoding with DecodeStatus.
//
// # Delivery
//
// Handlers run concurrently and may be invoked for duplicates at QoS 1.
// Subscriptions survive reconnects. Enable cfg.Broker.TLS outside a lab
// network; payloads are not otherwise protected.
package mqtt
