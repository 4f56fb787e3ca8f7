// Package tasks mirrors remote favorites into the catalog and implements the queued task bodies.
//
// # Sync Phases
//
// [SyncEngine.Run] walks a run through resumable phases, saving the checkpoint after every
// durable step:
//
//  1. initializing : fetch the collection list (optionally a single collection) and seed the checkpoint
//  2. fetching : page through each collection, consulting the page cache before the network
//  3. processing : reconcile each fetched collection from the page cache
//  4. downloading : fetch missing or stale covers (optional)
//  5. completed : delete the checkpoint, keep the page cache for `sync clean`
//
// A failed collection is recorded and skipped. A fatal error marks the checkpoint failed with the
// phase it was in, so a retried task re-enters where it stopped.
//
// # Reconciliation
//
// The [Reconciler] compares one collection snapshot against its membership rows. New identities
// are created, changed metadata is updated, and members missing from the snapshot are removed
// and logged. Availability flips are counted as deletions or restorations. A snapshot cut short
// by the page limit is reconciled without removals.
//
// # Progress Reporting
//
// # All phases use non-blocking channels for progress updates
//
// The [ProgressUpdate] struct contains phase, step counters, messages, and optional data.
// Updates use select with default to prevent blocking.
//
// # Task Handlers
//
// [Handlers] adapts the engine and the video downloader to the queue executor:
//   - sync_favorites : [SyncEngine.Run] with the task id as checkpoint owner
//   - video_download : one yt-dlp invocation with percentage progress
//   - batch_download : sequential downloads that continue past failures
package tasks
