/*
Package log provides structured logging for Meridian using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initializing the logger:

	import "github.com/meridiandb/meridian/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("WAL started")
	log.Warn("replica heartbeat missed")

Structured logging:

	log.Logger.Info().
		Str("group_id", "range-0001").
		Uint64("term", 3).
		Msg("became leader")

Component loggers:

	walLog := log.WithComponent("wal")
	walLog.Debug().Uint64("seq", seq).Msg("entry appended")

	shardLog := log.WithShardID(4)
	shardLog.Info().Msg("worker started")

# Design

A single package-level zerolog.Logger is initialized once at startup and
shared by all packages. Child loggers carry stable context fields (component,
node_id, shard_id, group_id, range_id) so that log aggregation can filter by
subsystem. Console output is intended for development; JSON for production.
*/
package log
