// Package metrics declares the Prometheus collectors exported by the runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ControllerCycles counts completed control cycles.
	ControllerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envctl_controller_cycles_total",
			Help: "Total number of completed controller cycles",
		},
		[]string{"kind", "controller_id"},
	)

	// CycleDuration observes how long one control computation took.
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "envctl_controller_cycle_seconds",
			Help:    "Controller cycle duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	// CyclePanics counts recovered panics inside a cycle.
	CyclePanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envctl_controller_cycle_panics_total",
			Help: "Total number of recovered panics in controller cycles",
		},
		[]string{"kind", "controller_id"},
	)

	// RunningControllers is the number of running controller tasks.
	RunningControllers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "envctl_running_controllers",
			Help: "Number of currently running controllers",
		},
		[]string{"kind"},
	)

	// ReadFailures counts failed sensor acquisitions.
	ReadFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envctl_sensor_read_failures_total",
			Help: "Total number of failed sensor reads",
		},
		[]string{"controller_id"},
	)

	// MeasurementsDropped counts measurements dropped by a full write queue.
	MeasurementsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "envctl_measurements_dropped_total",
			Help: "Total number of measurements dropped before persistence",
		},
	)

	// ActuatorActivations counts actuator commands applied by the engine.
	ActuatorActivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envctl_actuator_commands_total",
			Help: "Total number of actuator commands applied",
		},
		[]string{"actuator_id", "mode"},
	)

	// ActuatorWriteErrors counts driver write failures.
	ActuatorWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envctl_actuator_write_errors_total",
			Help: "Total number of failed actuator driver writes",
		},
		[]string{"actuator_id"},
	)

	// ActuatorOn reports 1 while an actuator is on.
	ActuatorOn = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "envctl_actuator_on",
			Help: "Actuator output state (1 = on)",
		},
		[]string{"actuator_id"},
	)

	// BusLockBroken counts force-broken bus locks.
	BusLockBroken = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envctl_bus_lock_broken_total",
			Help: "Total number of bus locks broken after timeout",
		},
		[]string{"bus"},
	)

	// PIDOutput is the last control variable per PID loop.
	PIDOutput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "envctl_pid_output",
			Help: "Last PID control variable",
		},
		[]string{"controller_id"},
	)

	// Notifications counts notification outcomes per rule.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envctl_notifications_total",
			Help: "Notifications sent or suppressed",
		},
		[]string{"rule_id", "outcome"},
	)

	// RuleFirings counts conditional firings.
	RuleFirings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envctl_rule_firings_total",
			Help: "Total number of conditional rule firings",
		},
		[]string{"rule_id"},
	)

	// AdminCommands counts admin commands by name and status.
	AdminCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envctl_admin_commands_total",
			Help: "Total number of admin commands",
		},
		[]string{"command", "status"},
	)
)
