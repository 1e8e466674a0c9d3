package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nerrad567/microscope-core/internal/api"
	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/microscope-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/microscope-core/internal/session"
)

// recordTimeout bounds a single history insert from a transition callback.
const recordTimeout = 2 * time.Second

// fanout broadcasts session events to several publishers.
type fanout []session.Publisher

// Broadcast implements session.Publisher.
func (f fanout) Broadcast(channel string, payload any) {
	for _, p := range f {
		p.Broadcast(channel, payload)
	}
}

// mqttPublisher republishes session events on the core session topics.
type mqttPublisher struct {
	client interface {
		Publish(topic string, payload []byte, qos byte, retained bool) error
	}
	qos byte
	log interface {
		Warn(msg string, args ...any)
	}
}

// Broadcast implements session.Publisher. "session.finished" is published
// on microscope/core/session/finished.
func (p *mqttPublisher) Broadcast(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("encoding session event", "channel", channel, "error", err)
		return
	}
	topic := mqtt.Topics{}.CoreSession(strings.TrimPrefix(channel, "session."))
	if err := p.client.Publish(topic, data, p.qos, false); err != nil {
		p.log.Warn("publishing session event", "topic", topic, "error", err)
	}
}

// transitionSink returns the registry callback that records every device
// transition in the history log, in InfluxDB and as retained MQTT state.
// influx and mq may be nil.
func transitionSink(ctx context.Context, history device.TransitionLog, influx *influxdb.Client, mq *mqtt.Client, log interface {
	Warn(msg string, args ...any)
}) func(device.Transition) {
	return func(t device.Transition) {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := history.Record(recordCtx, t); err != nil {
			log.Warn("recording transition", "device", t.Device, "error", err)
		}

		if influx != nil {
			influx.RecordTransition(t)
		}

		if mq != nil && mq.IsConnected() {
			data, err := json.Marshal(t)
			if err != nil {
				return
			}
			if err := mq.PublishRetained(mqtt.Topics{}.CoreDeviceState(t.Device), data); err != nil {
				log.Warn("publishing device state", "device", t.Device, "error", err)
			}
		}
	}
}

// hostWatcher returns the handler for retained device host status messages.
// Hosts going offline are logged and every change is forwarded to
// WebSocket subscribers of the host.status channel.
func hostWatcher(pub session.Publisher, log interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}) func(topic string, payload []byte) error {
	return func(topic string, payload []byte) error {
		host := mqtt.HostFromStatusTopic(topic)
		if host == "" {
			return nil
		}
		// An empty retained message clears the topic.
		if len(payload) == 0 {
			return nil
		}
		status, err := mqtt.DecodeStatus(payload)
		if err != nil {
			return err
		}
		if status.Host == "" {
			status.Host = host
		}

		if status.Online() {
			log.Info("device host online", "host", host, "devices", status.Devices)
		} else {
			log.Warn("device host offline", "host", host, "reason", status.Reason)
		}
		pub.Broadcast(api.ChannelHostStatus, status)
		return nil
	}
}
