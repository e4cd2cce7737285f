// Package interfaces defines the data model and the contracts between the
// components of the custody backend, without implementation details.
//
// # Entities
//
//   - Wallet: one user's custodial signing key, addressed by its Ethereum address
//   - KeyShare: metadata for a DEVICE, SERVER or RECOVERY share (never secret bytes)
//   - RecoveryGuardian: a third party allowed to approve social recovery
//   - RecoverySession: one time-bounded recovery attempt and its state machine
//
// # Contracts
//
//   - Store: the four persisted tables plus a transactional boundary
//   - StorageBackend: content-addressed blob storage for escrowed recovery shares
//   - Notifier: outbound delivery of codes and guardian approval requests
//   - IdentityDirectory: user records and the social graph
//
// # Errors
//
// Every failure the core reports is one of the sentinel errors in errors.go,
// possibly wrapped. The HTTP layer maps them onto status codes.
package interfaces
