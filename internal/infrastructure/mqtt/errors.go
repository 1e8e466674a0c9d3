package mqtt

import "errors"

// Sentinel errors. Failures carry the topic and the paho error wrapped
// behind one of these.
var (
	ErrNotConnected      = errors.New("mqtt: not connected to broker")
	ErrConnectionFailed  = errors.New("mqtt: cannot reach broker")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")
	ErrInvalidQoS        = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrInvalidTopic      = errors.New("mqtt: empty topic")
	ErrInvalidStatus     = errors.New("mqtt: invalid status payload")

	errTimeout = errors.New("timed out")
)
