package main

import (
	"log/slog"
	"time"

	"drone-overwatch/pkg/shared"
)

// notify turns side-effect events into operator-facing log lines.
func notify(logger *slog.Logger) func(shared.Event) {
	logger = logger.With("component", "notifications")
	return func(ev shared.Event) {
		switch ev.Type {
		case shared.EventDroneDiscovered:
			logger.Info("New drone discovered", "drone_id", ev.DroneID)
		case shared.EventDroneRemoved:
			logger.Info("Drone removed", "drone_id", ev.DroneID)
		case shared.EventDroneOffline:
			logger.Warn("Drone went offline", "drone_id", ev.DroneID, "reason", ev.Reason)
		case shared.EventConnectionConnected:
			logger.Info("Connected to drone telemetry")
		case shared.EventConnectionFailed:
			logger.Warn("Connection failed", "reason", ev.Reason, "attempt", ev.Attempt)
		case shared.EventConnectionRetry:
			logger.Info("Reconnecting", "attempt", ev.Attempt, "retry_in", time.Duration(ev.RetryIn))
		case shared.EventConnectionGaveUp:
			logger.Error("Gave up reconnecting, reconnect manually", "attempts", ev.Attempt)
		}
	}
}
