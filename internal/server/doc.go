// Package server provides HTTP routing, middleware, and the JSON task API used by `favsync serve`.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
//
// The [BasicRouter] implementation uses [http.ServeMux] method patterns, so routes like
// "GET /api/tasks/{id}" get path values and automatic 405 responses.
//
// # Task API
//
// [TaskAPI] only enqueues, reads and changes task status; task bodies always run on the executor.
//
//	GET    /healthz                    → liveness
//	POST   /api/sync                   → enqueue sync_favorites
//	POST   /api/downloads              → enqueue video_download
//	POST   /api/downloads/batch        → enqueue batch_download
//	GET    /api/tasks                  → list (status, type, limit, active=true)
//	GET    /api/tasks/{id}             → status view
//	DELETE /api/tasks/{id}             → delete
//	POST   /api/tasks/{id}/{action}    → cancel, pause, resume, retry
//	GET    /api/queue                  → queue info, task stats, executor state
//
// Errors are returned as {"error": {"code", "message"}}. Unknown ids map to 404 and rejected
// status changes to 409.
//
// # Lifecycle
//
// [Server.Run] serves until its context ends and then shuts down with a five second grace period.
package server
