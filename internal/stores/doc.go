// Package stores provides the durable record stores behind the public identity store
// implementations: a Redis store and a database/sql store used with SQLite.
//
// # Design
//
// A mechanism is persisted as a [MechanismRecord]: identity columns used for indexing plus an
// opaque kind-specific payload the caller encodes. In Redis the record is a versioned,
// binary-encoded value and every identity keeps an index set of its mechanism IDs; both are
// written in one MULTI/EXEC. The SQL store keeps identities and mechanisms in two tables
// created by embedded, ordered migrations.
//
// # What this package must NOT do
//
//   - Import goAuthenticator or any sibling internal package.
//   - Interpret or log record payloads (they contain secret material).
package stores
