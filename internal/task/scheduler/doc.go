// Package scheduler runs named periodic jobs on robfig/cron.
//
// A job never overlaps itself: a trigger that fires while the previous run is
// still in flight is skipped and counted. Interval jobs may also run once
// immediately at Start and may have their first trigger spread by a random
// delay so that several feeds do not fire in lockstep.
package scheduler
