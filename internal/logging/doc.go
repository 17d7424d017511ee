// Package logging provides structured logging for buildpilot runs.
//
// This package wraps Go's log/slog to write JSON lines into the build's state
// directory. Child loggers carry build, subtask, wave and phase attributes so
// a single debug.log can be filtered per subtask after a crash.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(".buildpilot/builds/story-1", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithBuild("story-1").WithSubtask("1.2").Info("iteration failed", "attempt", 3)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"iteration failed","build_id":"story-1","subtask_id":"1.2","attempt":3}
//
// # Log Rotation
//
// Long builds should rotate:
//
//	logger, err := logging.NewLoggerWithRotation(dir, "INFO", logging.RotationConfig{
//	    MaxSizeMB:  10,
//	    MaxBackups: 3,
//	    Compress:   true,
//	})
//
// Rotated files are named debug.log.1 (newest) through debug.log.N, gzip
// compressed to debug.log.N.gz when Compress is set.
//
// # Testing
//
// Use [NopLogger] to discard output. Every component in this module defaults
// to it when no logger is supplied.
package logging
