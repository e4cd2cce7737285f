// Package recovery runs social and out-of-band recovery of custodial wallets.
//
// A wallet owner registers up to five guardians. Each guardian confirms out
// of band before it counts. Recovery is a time-bounded session:
//
//	InitiateRecovery ──▶ PENDING ──ApproveRecovery──▶ APPROVING
//	                        │                            │
//	                        └──────ConfirmRecovery───────┴──▶ COMPLETED
//
// EMAIL and PHONE sessions complete with the verification code sent to the
// owner; SOCIAL sessions complete once half of the confirmed guardians
// (rounded up) approved. Sessions expire 24 hours after creation. Expiry is
// applied lazily by whichever operation first observes it and is persisted
// immediately, restoring the wallet to ACTIVE.
//
// Completing a recovery does not hand back key material. It revokes every
// registered device and returns the wallet to ACTIVE; the owner then
// registers a new device.
package recovery
