// Package export builds survey exports: it runs export strategies, streams
// every source they declare into one zip archive and uploads that archive to
// object storage while it is still being written.
//
// # Strategies
//
// A [Strategy] declares what to export. It returns a [Config] listing query
// sources (a SQL statement per file) and stream sources (a factory producing
// records per file). Strategies never touch the archive; row visibility
// rules such as admin-only columns live in the queries they build.
//
// [Composite] enables children by feature toggle and merges their configs
// in registry order:
//
//	c := &export.Composite{
//	    Toggles:  map[string]bool{"metadata": true, "telemetry": false},
//	    Registry: []export.Registration{
//	        {Name: "metadata", New: func() export.Strategy { return strategies.Metadata{SurveyID: 7} }},
//	        {Name: "telemetry", New: func() export.Strategy { return strategies.Telemetry{SurveyID: 7} }},
//	    },
//	}
//
// # Export Flow
//
// [Exporter.Export] walks a fixed sequence of states:
//
//  1. Init: validate the request (strategies and destination keys present)
//  2. ClientAcquired: check out one database client for the whole export
//  3. Producing: run every strategy concurrently and merge the configs
//  4. Wiring: attach the uploads, then append one archive entry per source
//  5. Finalizing: close the archive once every append has been issued
//  6. Uploading: wait for every upload to finish
//  7. Linking: issue one signed link per destination key
//
// The database client is released exactly once whichever state the export
// ends in.
//
// # Failure Policy
//
// A source that fails mid-stream is contained: its entry ends where the
// failure happened and the remaining entries are still written. Finalize and
// upload failures are logged and swallowed under [PolicySwallow] (the
// default) or returned under [PolicySurface]. A missing signed link always
// fails the export with a [LinkError].
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]:
//
//   - EXP001-EXP008: Export request and pipeline errors
//   - DB001-DB003: Database connectivity errors
//   - REQ001-REQ002: Request cancellation and timeouts
package export
