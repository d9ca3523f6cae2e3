// Package notifier delivers admitted feed entries to subscribers.
//
// Each entry is recorded in the feed's delivered history before any send, so
// a crash between the write and the send loses that notification instead of
// repeating it. Fan-out is sequential and rate limited; one failing
// subscriber never stops the rest.
package notifier
