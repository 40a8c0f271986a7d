// Package journal records the before/after state of every key a job mutates
// and runs the undo algorithm that rolls those mutations back. The journal
// piggybacks on the store: the entries live inside the job's own record, so
// persisting an entry and persisting the journal are the same single put.
// The rollback algorithm is shared with the curator, which replays journals
// of abandoned jobs.
package journal
