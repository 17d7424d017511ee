// Package event provides the pub-sub bus a build uses to report progress.
//
// The orchestrator, wave scheduler and retry loop publish through the small
// [Emitter] interface. Loggers, the CLI and the optional [MonitorForwarder]
// subscribe to a [Bus] without the core knowing they exist. A nil emitter
// degrades to [Nop].
//
// # Event Type Naming Convention
//
// Event types follow the pattern "category.action":
//   - build.started, build.queued, build.success, build.failed, build.timeout, build.paused
//   - phase.started, phase.completed, phase.failed
//   - subtask.started, subtask.completed, subtask.failed
//   - wave.started, wave.completed
//   - task.started, task.completed
//   - merge.started, merge.completed
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers run synchronously on the
// publishing goroutine and a panicking handler never prevents delivery to the
// others.
//
// # Basic Usage
//
//	bus := event.NewBus(event.WithBusLogger(logger))
//	bus.Subscribe(event.TypeWaveCompleted, func(e event.Event) {
//	    w := e.(event.WaveEvent)
//	    fmt.Printf("wave %d: %d/%d\n", w.WaveIndex, w.Succeeded, w.TaskCount)
//	})
//	bus.Publish(event.NewWaveCompletedEvent(0, 3, 0, true, time.Second))
package event
