// Package curator implements the background repair process that cleans up
// after clients that crashed or overran their time budget. Leadership is a
// single heartbeat record guarded by CAS: whichever instance last wrote it
// within the timeout is the active curator, and only the active instance
// lists jobs and locks, rolls back expired journals and deletes orphans.
// There is no consensus machinery; the store's per-key CAS is the only
// coordination primitive, which is sufficient because there is exactly one
// store and no quorum requirement.
package curator
