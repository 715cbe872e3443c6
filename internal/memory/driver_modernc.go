//go:build !(sqlite_vec && cgo)

package memory

import (
	_ "modernc.org/sqlite"
)

// Pure-Go SQLite build. FTS5 is compiled in; sqlite-vec is not, so semantic
// recall uses the brute-force cosine path.
const driverName = "sqlite"
