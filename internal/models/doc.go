// Package models defines domain entities for the favorites mirror and its background task queue.
//
// The package contains three categories of types:
//
// 1. Remote records: data as returned by the favorites provider
//   - [RemoteCollection] : a favorites folder with its id and title
//   - [RemoteItem] : a single favorited video, including the unavailability sentinel
//   - [RemotePage] : one page of items plus the has-more flag
//
// 2. Catalog entities: the durable local mirror
//   - [Collection] : a mirrored folder with its last sync time
//   - [Video] : a video keyed by its global bvid, with availability history
//   - [Uploader] : the video owner
//   - [Membership] : the collection/video relation with first/last seen stamps
//   - [DeletionLog] : audit trail for removals and unavailability
//
// 3. Tasks: durable units of background work
//   - [Task] : type, status, progress, result, typed parameters and retry policy
//   - [TaskParams] : tagged union of [SyncParams], [DownloadParams] and [BatchDownloadParams]
//
// Task status changes go through [TransitionTask], which rejects anything outside the
// legal transition table. Every persisted entity implements [Model].
package models
