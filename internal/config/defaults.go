package config

import "time"

// Central place for all application-wide timing constants and other defaults.
// Changing a value here immediately affects all components that import
// github.com/jkaberg/socest/internal/config.

const (
	// Backends and input sources
	StoreFile  = "file"
	StoreRedis = "redis"
	InputFile  = "file"
	InputMQTT  = "mqtt"

	DefaultStateDir    = "/var/lib/socest"
	DefaultChargePoint = 1

	// Invocation cadence assumed by the interval defaults below
	DefaultPollInterval = 10 * time.Second

	// Timer thresholds in invocations
	DefaultFetchInterval    = 180 // 30 min at a 10 s cadence
	DefaultEstimateInterval = 6   // 1 min at a 10 s cadence

	DefaultChargeEfficiency = 90.0 // percent

	// Operation time-outs (to avoid blocking an invocation)
	TelemetryTimeout = 30 * time.Second // login + SoC request
	BreakerTimeout   = 5 * time.Minute  // open -> half-open
	InputTimeout     = 3 * time.Second  // waiting for retained MQTT inputs
	MQTTTimeout      = 5 * time.Second  // MQTT publish/subscribe
)
