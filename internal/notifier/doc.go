// Package notifier delivers short operator messages (session started,
// capture failures, dropped schedules, forwarded error logs) to a chat.
//
// Messages go through a bounded queue drained by one worker that applies a
// token-bucket rate limit, retries with backoff and suppresses duplicates
// inside a window. Delivery is behind Transport; the Telegram transport is
// send-only.
package notifier
