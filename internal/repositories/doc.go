// Package repositories implements SQLite persistence for the favorites catalog and the task queue.
//
// Each repository wraps a *sql.DB owned by the caller and handles CRUD operations for a single table.
// Lookups that miss wrap [shared.ErrNotFound]; inserts that collide with a unique key wrap
// [shared.ErrDuplicate].
//
// Key Implementations:
//   - [CollectionRepository] : mirrored favorites folders keyed by remote id
//   - [VideoRepository] : videos keyed by bvid, plus their uploaders
//   - [MembershipRepository] : the collection/video relation with first and last seen stamps
//   - [DeletionLogRepository] : append-only audit trail of removed and unavailable videos
//   - [TaskRepository] : background tasks with JSON progress, result and parameters
//   - [Catalog] : the catalog repositories composed for the sync engine
//
// Tasks carry a sequence number from [NextSequence] that breaks ties between rows created within
// the same timestamp.
package repositories
