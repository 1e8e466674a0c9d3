package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes.
//
// Device hosts and the composition service share one hierarchy:
//
//	microscope/rpc/{host}/request           requests to a device host
//	microscope/rpc/reply/{client}           replies to one requester
//	microscope/host/{host}/status           retained host status
//	microscope/host/{host}/transition/{id}  device lifecycle transitions
//	microscope/core/...                     composition service events
//	microscope/system/status                retained service status (LWT)
const (
	// TopicPrefix is the root of every topic.
	TopicPrefix = "microscope"

	// TopicPrefixRPC is the base for request/reply topics.
	TopicPrefixRPC = "microscope/rpc"

	// TopicPrefixHost is the base for device host topics.
	TopicPrefixHost = "microscope/host"

	// TopicPrefixCore is the base for composition service topics.
	TopicPrefixCore = "microscope/core"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "microscope/system"
)

// Topics provides builders for MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.RPCRequest("bench-2")
//	// Returns: "microscope/rpc/bench-2/request"
type Topics struct{}

// =============================================================================
// Remote Device Topics
// =============================================================================

// RPCRequest returns the topic a device host receives requests on.
//
// Example: microscope/rpc/bench-2/request
func (Topics) RPCRequest(host string) string {
	return fmt.Sprintf("%s/%s/request", TopicPrefixRPC, host)
}

// RPCReply returns the topic replies to one requester are sent to.
//
// Example: microscope/rpc/reply/microscope-core
func (Topics) RPCReply(clientID string) string {
	return fmt.Sprintf("%s/reply/%s", TopicPrefixRPC, clientID)
}

// HostStatus returns the retained status topic of a device host.
//
// Example: microscope/host/bench-2/status
func (Topics) HostStatus(host string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixHost, host)
}

// DeviceTransition returns the topic a host publishes one device's
// lifecycle transitions on.
//
// Example: microscope/host/bench-2/transition/camera
func (Topics) DeviceTransition(host, deviceID string) string {
	return fmt.Sprintf("%s/%s/transition/%s", TopicPrefixHost, host, deviceID)
}

// HostTransitions returns a wildcard for every device transition of a host.
//
// Example: microscope/host/bench-2/transition/+
func (Topics) HostTransitions(host string) string {
	return fmt.Sprintf("%s/%s/transition/+", TopicPrefixHost, host)
}

// =============================================================================
// Core Topics
// =============================================================================

// CoreDeviceState returns the topic for device state published by the
// composition service.
//
// Example: microscope/core/device/camera/state
func (Topics) CoreDeviceState(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/state", TopicPrefixCore, deviceID)
}

// CoreSession returns the topic for session events.
//
// Example: microscope/core/session/finished
func (Topics) CoreSession(event string) string {
	return fmt.Sprintf("%s/session/%s", TopicPrefixCore, event)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the topic for service status (online/offline).
// Used for Last Will and Testament.
//
// Example: microscope/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// =============================================================================
// Wildcard Subscriptions
// =============================================================================

// AllHostStatus returns a wildcard for every device host status.
//
// Example: microscope/host/+/status
func (Topics) AllHostStatus() string {
	return TopicPrefixHost + "/+/status"
}

// AllDeviceTransitions returns a wildcard for transitions on every host.
//
// Example: microscope/host/+/transition/+
func (Topics) AllDeviceTransitions() string {
	return TopicPrefixHost + "/+/transition/+"
}

// AllCoreDeviceStates returns a wildcard for all core device states.
//
// Example: microscope/core/device/+/state
func (Topics) AllCoreDeviceStates() string {
	return TopicPrefixCore + "/device/+/state"
}

// AllTopics returns a wildcard matching every topic (debugging only).
//
// Example: microscope/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// HostFromStatusTopic returns the host named by a HostStatus topic, or ""
// when topic is not one.
func HostFromStatusTopic(topic string) string {
	rest, ok := strings.CutPrefix(topic, TopicPrefixHost+"/")
	if !ok {
		return ""
	}
	host, ok := strings.CutSuffix(rest, "/status")
	if !ok || host == "" || strings.Contains(host, "/") {
		return ""
	}
	return host
}
