// Package kms holds the custody key service and the master key unsealing
// that protects it.
//
// CustodyService provisions wallets by generating (or importing) a signing
// key and splitting it 2-of-3: the device share is returned to the caller,
// the server share is sealed with a per-wallet key derived from the master
// key, and the recovery share is escrowed to offline age recipients. Signing
// rebuilds the key from the device share and the server share for the
// duration of one call and wipes it afterwards.
//
// The master key itself can be supplied directly or rebuilt at startup by
// MasterKeyUnsealer from operator shares (see SplitMasterKey). Operators sign
// their submissions with an ECDSA P-256 or Ed25519 key listed in the
// operators file.
package kms
