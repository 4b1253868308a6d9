// Package scheduling owns the pending-session set and the single active
// capture slot. Requests are checked for time overlap before they are
// persisted, and alarms hand pending sessions over to capture at their
// start time.
package scheduling
