/*
Package config loads and validates Meridian's process-wide configuration.

Configuration is YAML layered over compiled-in defaults: Load starts from
Default and unmarshals the file on top, so absent sections keep their
defaults. Validate enforces the conditions the process refuses to start
without — a node id, coherent Raft timings, and writable WAL and data
directories — returning errdefs.ErrConfig, which main treats as fatal.
*/
package config
