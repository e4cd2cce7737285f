// Package shares keeps the metadata of device shares: which devices hold a
// share of a wallet key, when each was last used and why it was revoked.
// Rows are never deleted; revocation is permanent and a device that lost its
// share has to register again.
package shares
