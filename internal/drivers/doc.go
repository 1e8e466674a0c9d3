// Package drivers holds the driver catalog used to build devices from
// configuration. Concrete drivers live in sub-packages; sim provides
// simulated hardware for every device class.
package drivers
