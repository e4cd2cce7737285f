// Package storage keeps escrowed recovery shares in content-addressed blob
// stores.
//
// Blobs are age ciphertexts produced by cryptoutils.EscrowSeal, so a backend
// never sees a plaintext share. The content identifier of a blob is its
// SHA-256 hash, which lets any reader verify what it fetched.
//
// # Backend URIs
//
//	file:///var/lib/custody/escrow
//	s3://bucket/prefix?region=eu-central-1&sse=aws:kms
//	vault://vault.internal:8200/secret/custody?tls=true
//
// StorageBackendFactory turns URIs into backends and CreateMultiBackend
// combines several of them: writes go to every reachable backend and reads
// are served by the first backend holding the blob.
//
// RecoveryEscrow wraps a backend with the age recipients of the recovery
// domain and is what the custody service talks to.
package storage
