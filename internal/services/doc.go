// Package services defines the [Service] interface for favorites providers and implements it for Bilibili.
//
// # Service Interface
//
// A provider lists the user's favorites folders and serves each folder page by page. The sync
// engine only needs the listing half of [Service], so tests substitute an in-memory provider.
//
// # Bilibili Implementation
//
// [BilibiliService] uses the session cookies of a logged-in browser (SESSDATA, bili_jct,
// DedeUserID) copied into the config, typically via `favsync setup bilibili --curl-file`.
// Every response is wrapped in a {code, message, data} envelope. Requests are paced with a
// token bucket limiter so folder pagination stays under the provider's risk control.
//
// # Media
//
// [CoverService] stores cover images as <covers_dir>/<bvid>.jpg. [YtDlp] shells out to yt-dlp
// for video downloads and parses its progress lines.
//
// # Error Handling
//
// Services use typed errors from shared package:
//   - [shared.ErrMissingCredentials] : session missing or expired (code -101)
//   - [shared.ErrProviderRateLimited] : risk control (-352, -412) or HTTP 412/429
//   - [shared.ErrServiceUnavailable] : HTTP 5xx
//   - [shared.ErrCollectionNotFound] : folder id unknown to the provider
//   - [shared.ErrAPIRequest] : any other failed request
//   - [shared.ErrDependencyMissing] : yt-dlp not installed
//   - [shared.ErrDownloadFailed] : cover or video download failed
package services
