// Package main (cmd/admin) is the custody-admin operator CLI.
//
// It manages the operator set that unseals the walletd master key and opens
// escrowed recovery shares for the recovery domain.
//
// Commands:
//
//	status             - Show whether walletd is waiting for operator shares
//	generate-operator  - Create an operator signing key and an age identity
//	operators-config   - Write operators.json from operator public keys
//	split-master-key   - Split the master key, one age encrypted share per operator
//	submit-share       - Decrypt this operator's share and submit it to walletd
//	escrow-retrieve    - Open an escrowed recovery share
//
// Example workflow:
//
//  1. Each operator creates keys:
//     custody-admin generate-operator --operator-privkey-file=op1.pem --operator-pubkey-file=op1.pub --age-identity-file=op1-age.txt
//
//  2. Build the operators file with a 2-of-3 threshold:
//     custody-admin operators-config --threshold=2 --operator=op1.pub=age1... --operator=op2.pub=age1... --operator=op3.pub=age1...
//
//  3. Split a fresh master key; the key check is written back to operators.json:
//     custody-admin split-master-key --operators-file=operators.json --out-dir=shares
//
//  4. After walletd starts sealed, each operator submits a share:
//     custody-admin submit-share --share-file=shares/master-share-<id>.age
//
// Share files and key files are created with mode 0600 and never overwritten.
package main
