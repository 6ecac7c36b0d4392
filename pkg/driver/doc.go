// Package driver runs the background loops of the serve command: the
// rate-limited ticker that drains the priority queues and the cron-scheduled
// journal purge.
package driver
