package txn

import "github.com/jackc/pgx/v4"

// pgx.Tx satisfies EngineSavepoint by construction (Commit/Rollback are
// a subset of its method set), the same relationship storage/txn.go's
// sqlTX field has to the teacher's Postgres engine. txn itself never
// dials a database — a real deployment hands a live pgx.Tx in as a
// Statement's Engine field; tests use a lighter fake with the same two
// methods.
var _ EngineSavepoint = pgx.Tx(nil)
