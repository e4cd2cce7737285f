// Package directory resolves users and their social graph for the custody
// core. The identity records belong to the host application; the custody
// service only reads them, plus binding a wallet address after provisioning.
//
// Two implementations are provided:
//
//   - Static: an in-memory directory, optionally loaded from a YAML fixture
//     file. Used in development and tests.
//   - Postgres: reads the host application's tables through lib/pq.
package directory
