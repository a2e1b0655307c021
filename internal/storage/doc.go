// Package storage owns herald's SQLite database: schema migrations, the
// notification store and its query surface (pagination, read state, stats).
//
// The directory and entity packages read the business projections created by
// the same migrations through DB.
package storage
