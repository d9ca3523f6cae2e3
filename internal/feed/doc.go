// Package feed turns remote listing endpoints into a deduplicated,
// time-windowed working set.
//
// A Source fetches raw items, the Window holds admitted entries until they
// age out, and the Updater ties both to the published history and hands every
// fresh snapshot to the dispatcher.
package feed
