// Package store implements interfaces.Store, the persisted state of the
// custody core: wallets, key share metadata, recovery guardians and recovery
// sessions.
//
// Memory keeps everything in process and is used by tests and single-node
// development setups. Postgres is the production implementation; its schema
// lives in schema.sql and is applied with Migrate.
//
// Both implementations enforce the same uniqueness rules: one wallet per user
// and per address, unique (wallet, kind, index) share slots, and at most one
// PENDING or APPROVING session per wallet.
package store
