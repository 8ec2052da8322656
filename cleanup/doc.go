// Package cleanup removes flow-mapper states that have been closing or failed
// for longer than a configured window.
//
// A Scheduler publishes ScheduledTaskTrigger records on a fixed period. The
// TaskRunner turns each matching trigger into ExecuteCleanup commands through
// Task, and the CommandRunner applies those commands to the state store with
// Processor. Deletes are version checked; a state that changed since it was
// read is left for a later run.
package cleanup
