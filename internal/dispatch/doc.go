// Package dispatch binds job types to handlers and runs them.
//
// The dispatcher pulls jobs from the durable queue with a fixed number of
// worker goroutines, each handling one job at a time. Handlers are looked up
// in a type-keyed table filled by Bind before Start.
//
// Outcome handling:
//   - Unbound job types are left queued; Dequeue only claims bound types
//   - Handler panic → failed
//   - Handler returns Cancelled while the process is shutting down → job is
//     put back on the queue with the same attempt number
//   - Otherwise the handler's status is recorded as the job's terminal status
//
// Timeouts:
//   - Each job carries its own timeout (queue default or per-request)
//   - A reaper marks overdue running jobs timed_out; it does not interrupt
//     the handler, whose later outcome still overwrites the status
package dispatch
