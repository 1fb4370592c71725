// Package metrics records operational counters for the telemetry
// pipeline. Components accept a Collector and default to Nop.
package metrics

import "time"

type Collector interface {
	MessageReceived(topic string)
	MessageMalformed(topic string)
	ConsumerFailed(topic string)
	DataRequested(ok bool)

	ConnectionState(state string)
	ReconnectScheduled(attempt int, delay time.Duration)

	DronesTracked(n int)
	OfflineDetected()
}

// Nop discards everything.
type Nop struct{}

var _ Collector = Nop{}

func (Nop) MessageReceived(string)                {}
func (Nop) MessageMalformed(string)               {}
func (Nop) ConsumerFailed(string)                 {}
func (Nop) DataRequested(bool)                    {}
func (Nop) ConnectionState(string)                {}
func (Nop) ReconnectScheduled(int, time.Duration) {}
func (Nop) DronesTracked(int)                     {}
func (Nop) OfflineDetected()                      {}
