// Package stores provides the processor's journal: a SQLite database in WAL
// mode holding callback delivery attempts, the engine event log and operator
// audit entries. Engine state itself lives in pkg/kvstore; the journal is an
// append-mostly record for operators and is purged on a retention schedule.
package stores
