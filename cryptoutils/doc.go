// Package cryptoutils holds the key-splitting and share-protection primitives
// of the custody service.
//
// A wallet signing key (a 32-byte secp256k1 scalar) is split with Shamir's
// secret sharing into three shares, any two of which reconstruct the key:
//
//   - the device share is handed to the user's device and never persisted
//   - the server share is sealed with AES-256-GCM and stored with the wallet
//   - the recovery share is escrowed with age to offline recovery recipients
//
// # Server share format
//
// SealShare output is the colon-separated hex encoding
//
//	hex(nonce):hex(tag):hex(ciphertext)
//
// with a 12-byte random nonce and a 16-byte GCM tag. The sealing key for each
// wallet is derived from the service master key with HKDF-SHA256, and the
// wallet id is bound as additional authenticated data.
//
// # Signing
//
// Signer wraps a reconstructed key for the duration of one signing call.
// Callers must Wipe it as soon as the signature is produced.
//
//	signer, err := cryptoutils.NewSigner(key)
//	if err != nil {
//	    return err
//	}
//	defer signer.Wipe()
//	sig, err := signer.SignMessage(msg)
package cryptoutils
