/*
Package log provides structured logging for keel using zerolog.

A single global Logger is configured once by Init, normally from the CLI flags
or the log section of the keel configuration file. Long-lived components take
a child logger at construction time so every line they emit carries a
component field:

	logger := log.WithComponent("reconciler")
	logger.Info().Str("host", "node1").Msg("refreshed daemons")

The Logger defaults to a no-op logger until Init is called, which keeps
library use and tests quiet.

# Fields

	component   subsystem emitting the line (reconciler, cache, agent, ...)
	host        hostname the line is about
	service     service name (type or type.id)
	daemon      daemon name (type.id)

# Output

Init writes JSON when JSONOutput is set and a human readable console format
otherwise. Output defaults to stdout.
*/
package log
