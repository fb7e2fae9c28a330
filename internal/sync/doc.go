// Package sync coordinates provider sync runs against the canonical store.
//
// # Overview
//
// An Orchestrator owns one provider. Each run walks the provider's pages,
// maps every raw record to a canonical listing, diffs it against the stored
// revision, and upserts it in batches. Runs end by persisting a watermark
// (on success only) and writing exactly one run log row. Dry runs roll back
// every batch and persist nothing.
//
// # Architecture
//
//	Source (provider.Client)
//	     │  pages of raw records
//	     ▼
//	Orchestrator ── mapper.Transform ── detect.Diff
//	     │  batches of upserts + change records
//	     ▼
//	store.DB (listings, listing_changes, sync_watermarks, sync_runs)
//
// States run strictly in order:
//
//	idle → fetching → mapping+upserting → finalizing → completed | failed
//
// # Usage
//
//	client, err := provider.New(cfg)
//	if err != nil {
//	    return err
//	}
//	orch, err := sync.New(database, client, sync.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	summary, err := orch.RunIncremental(ctx, sync.Options{})
//
// # Error Handling
//
// A bad record never aborts a run:
//
//   - Records without an external identifier are skipped
//   - Records that fail to map are counted as errors and logged
//   - A provider error stops fetching; committed batches stay committed,
//     the watermark is not advanced, and the run log records the failure
//   - A store error rolls back the open batch and fails the run
//
// A run that finishes with errors > 0 is still completed. Callers use
// Summary.ExitCode to tell "ran with some bad records" from "did not run".
package sync
