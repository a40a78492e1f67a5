// Package familia opens a key-value store together with the object schema
// and secondary-index engine that run on top of it.
//
// A schema file declares classes (key prefix, fields, instance and
// participation collections) and the unique or multi indexes over their
// fields. Open wires the three together:
//
//	inst, err := familia.Open(ctx, familia.Config{
//	    Store:  "pebble:///var/lib/familia",
//	    Schema: "/etc/familia/schema.yaml",
//	}, logger)
//	if err != nil { return err }
//	defer inst.Close()
//
//	emails, _ := inst.Engine.Unique("employee", "email")
//	id, ok, err := emails.Lookup(ctx, company, "ann@example.com")
//
// # Stores
//
// Config.Store selects the backend by URL scheme:
//
//   - mem:// keeps everything in process memory.
//   - pebble:///path opens an embedded Pebble database.
//   - redis://host:port/db (or rediss://) talks to Redis.
//
// Every backend is wrapped with the retry and logging decorators; retries
// are disabled unless StorageRetryMaxAttempts is raised above one.
//
// # Rebuilds
//
// Engine.Rebuilder regenerates an index from the objects it covers. Unique
// indexes are rebuilt into a temp key and swapped in atomically; multi
// indexes are cleared and repopulated under a writer fence. Only one rebuild
// per index runs at a time; the lease key expires after LockTTL.
//
// # Telemetry
//
// StartTelemetry installs OpenTelemetry providers: OTLP tracing,
// Prometheus metrics and pprof endpoints, each enabled by its own setting.
package familia
