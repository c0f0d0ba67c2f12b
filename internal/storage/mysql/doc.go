// Package mysql persists fleet events, policy decisions and sealed cycles.
// SQLStore targets MySQL with embedded migrations; MemoryStore keeps the
// newest records in memory and appends every write to JSON-lines files.
package mysql
