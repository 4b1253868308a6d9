// Package scheduler triggers work on the task engine: one-shot alarms keyed
// by a numeric code and recurring cron or interval schedules.
//
// The scheduler only decides when something runs; execution, retries and
// history belong to the engine.
package scheduler
