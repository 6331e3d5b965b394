/*
Package log provides zerolog-backed structured logging for the runtime.

All packages log through child loggers derived from the global instance,
tagged with a component field and, where applicable, the container id:

	logger := log.WithComponent("cgroups")
	logger.Debug().Str("path", p).Msg("applied memory limit")

The init process (the re-exec'd container side) logs to stderr so that
failures occurring before the sync channel is usable still surface in the
creating process's terminal. Console output is the default; JSON output is
selectable for machine consumption.
*/
package log
