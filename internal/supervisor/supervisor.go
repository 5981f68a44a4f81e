// Package supervisor drives a single device's lifecycle through
// Initializing -> Ready <-> Degraded -> Terminating -> Dead, and restarts
// the whole pipeline from scratch when the upstream platform sends a
// "cold" command for the device's serial.
//
// One Supervisor owns one serial. Everyone else (the HTTP surface, the
// heartbeat link) only ever touches the registry snapshot it publishes.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/liuma-go/provider/internal/model"
	"github.com/liuma-go/provider/internal/portalloc"
	"github.com/liuma-go/provider/internal/registry"
)

// Pipeline is the platform-specific half of a device's lifecycle.
// androidPipeline and iosPipeline both implement it.
//
// rec is the device's own record: implementations register every helper
// process they start with rec.AddChild and every port they allocate
// with rec.AddPort, so termination (rec.DrainChildren, in reverse start
// order) and port release happen in one place instead of being
// duplicated per platform.
type Pipeline interface {
	// Prepare runs the full prep sequence (push artifacts, forward ports,
	// start helper processes, ...) and returns the device's advertised
	// endpoint set and property bag once ready.
	Prepare(ctx context.Context, rec *model.DeviceRecord) (model.Endpoints, map[string]any, error)

	// HealthCheck probes the device and returns its current endpoint set,
	// which can shift between probes (an iOS relay's IP, for instance).
	// A non-nil error means the device failed the probe.
	HealthCheck(ctx context.Context, rec *model.DeviceRecord) (model.Endpoints, error)

	// Recover attempts to restore a degraded device to health (restart a
	// dead helper process, re-establish a dropped port forward) without
	// re-running the whole prep sequence. Called before each HealthCheck
	// retry while Degraded.
	Recover(ctx context.Context, rec *model.DeviceRecord) error

	// Teardown releases any pipeline-local state Prepare/Recover set up
	// that isn't already covered by rec's child-process/port bookkeeping
	// (e.g. closing a client no helper process owns). Called just before
	// rec.DrainChildren. Must be idempotent and must not block
	// indefinitely.
	Teardown(ctx context.Context, rec *model.DeviceRecord)
}

// EventEmitter is the heartbeat link's inbound half: init/delete events
// the supervisor publishes as it transitions a device's phase.
type EventEmitter interface {
	EmitInit(serial string, endpoints model.Endpoints, properties map[string]any)
	EmitDelete(serial string)
}

const (
	defaultHealthyInterval  = 60 * time.Second
	defaultDegradedInterval = 10 * time.Second
	maxRecoveryAttempts     = 3
	recoveryWindow          = 30 * time.Second
)

// Supervisor owns one device's state machine.
type Supervisor struct {
	serial    string
	platform  model.Platform
	pipeline  Pipeline
	registry  *registry.Registry
	events    EventEmitter
	allocator *portalloc.Allocator

	healthyInterval  time.Duration
	degradedInterval time.Duration

	coldCh    chan struct{}
	removedCh chan struct{}
}

// New builds a Supervisor for serial. allocator must be the same
// Allocator the pipeline itself hands out ports from, so the ports a
// pipeline registers on the record via rec.AddPort can be released back
// to the pool at teardown. It does not start anything; call Run in its
// own goroutine.
func New(serial string, platform model.Platform, pipeline Pipeline, reg *registry.Registry, events EventEmitter, allocator *portalloc.Allocator) *Supervisor {
	return &Supervisor{
		serial:           serial,
		platform:         platform,
		pipeline:         pipeline,
		registry:         reg,
		events:           events,
		allocator:        allocator,
		healthyInterval:  defaultHealthyInterval,
		degradedInterval: defaultDegradedInterval,
		coldCh:           make(chan struct{}, 1),
		removedCh:        make(chan struct{}, 1),
	}
}

// TriggerCold requests a full restart of this device, as if the upstream
// platform sent a cold@<serial> command. Non-blocking.
func (s *Supervisor) TriggerCold() {
	select {
	case s.coldCh <- struct{}{}:
	default:
	}
}

// TriggerRemoved signals that the platform tracker no longer sees this
// device (USB unplugged). Non-blocking.
func (s *Supervisor) TriggerRemoved() {
	select {
	case s.removedCh <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled or the device is
// permanently removed. A cold command tears the device down and starts
// it again from Initializing; Run only returns once no restart is owed.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		restart := s.runOnce(ctx)
		if !restart {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) (restart bool) {
	recordCtx, cancel := context.WithCancel(ctx)
	rec := model.NewDeviceRecord(s.serial, s.platform, cancel)
	s.registry.Put(s.serial, rec)

	log := slog.With("serial", s.serial, "platform", s.platform)

	endpoints, props, err := s.pipeline.Prepare(recordCtx, rec)
	if err != nil {
		log.Error("device prep failed", "err", err)
		rec.SetPhase(model.PhaseTerminating)
		s.terminate(recordCtx, rec)
		return false
	}

	rec.SetEndpoints(endpoints)
	rec.SetProperties(props)
	rec.SetPhase(model.PhaseReady)
	s.events.EmitInit(s.serial, endpoints, props)
	log.Info("device ready", "endpoints", endpoints)

	lastEndpoints := endpoints
	degraded := false
	var failures []time.Time

	ticker := time.NewTicker(s.healthyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-recordCtx.Done():
			rec.SetPhase(model.PhaseTerminating)
			s.terminate(recordCtx, rec)
			return false

		case <-s.removedCh:
			log.Info("device removed")
			rec.SetPhase(model.PhaseTerminating)
			s.terminate(recordCtx, rec)
			return false

		case <-s.coldCh:
			log.Info("cold restart requested")
			rec.SetPhase(model.PhaseTerminating)
			s.terminate(recordCtx, rec)
			return true

		case <-ticker.C:
			if !degraded {
				ep, err := s.pipeline.HealthCheck(recordCtx, rec)
				if err == nil {
					if ep != lastEndpoints {
						lastEndpoints = ep
						rec.SetEndpoints(ep)
					}
					continue
				}
				log.Warn("health probe failed, entering degraded", "err", err)
				degraded = true
				rec.SetPhase(model.PhaseDegraded)
				failures = []time.Time{time.Now()}
				ticker.Reset(s.degradedInterval)
				continue
			}

			if err := s.pipeline.Recover(recordCtx, rec); err != nil {
				log.Warn("recovery attempt failed", "err", err)
				if s.budgetExceeded(&failures) {
					log.Error("recovery budget exceeded, terminating device")
					rec.SetPhase(model.PhaseTerminating)
					s.terminate(recordCtx, rec)
					return false
				}
				continue
			}

			ep, err := s.pipeline.HealthCheck(recordCtx, rec)
			if err != nil {
				log.Warn("post-recovery probe failed", "err", err)
				if s.budgetExceeded(&failures) {
					log.Error("recovery budget exceeded, terminating device")
					rec.SetPhase(model.PhaseTerminating)
					s.terminate(recordCtx, rec)
					return false
				}
				continue
			}

			log.Info("device recovered")
			degraded = false
			failures = nil
			rec.SetPhase(model.PhaseReady)
			if ep != lastEndpoints {
				lastEndpoints = ep
				rec.SetEndpoints(ep)
				s.events.EmitInit(s.serial, ep, rec.Snapshot().Properties)
			}
			ticker.Reset(s.healthyInterval)
		}
	}
}

// budgetExceeded appends a failure timestamp, discards entries older than
// recoveryWindow, and reports whether the device has now failed more than
// maxRecoveryAttempts times inside that rolling window.
func (s *Supervisor) budgetExceeded(failures *[]time.Time) bool {
	now := time.Now()
	fresh := (*failures)[:0]
	for _, t := range *failures {
		if now.Sub(t) <= recoveryWindow {
			fresh = append(fresh, t)
		}
	}
	fresh = append(fresh, now)
	*failures = fresh
	return len(fresh) > maxRecoveryAttempts
}

// terminate runs the pipeline's teardown, stops every registered child
// process in reverse start order, releases every registered port back
// to the allocator, drops the record from the registry, and emits the
// delete event. It transitions the record to Dead before returning.
func (s *Supervisor) terminate(ctx context.Context, rec *model.DeviceRecord) {
	s.pipeline.Teardown(ctx, rec)
	for _, err := range rec.DrainChildren() {
		slog.Warn("error stopping child process during teardown", "serial", s.serial, "err", err)
	}
	if s.allocator != nil {
		for _, port := range rec.Ports() {
			s.allocator.Release(port)
		}
	}
	rec.ClearPorts()
	rec.SetPhase(model.PhaseDead)
	s.registry.Remove(s.serial)
	s.events.EmitDelete(s.serial)
}
