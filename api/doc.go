/*
Package api holds the HTTP surface of walletd.

The subpackages are:

  - walletapi: authenticated wallet, device and guardian endpoints
  - recoveryapi: recovery sessions (initiate, approve, confirm, status)
  - unsealapi: operator endpoints used while the master key is sealed
  - auth: bearer token issuing and validation
  - servers: HTTP server lifecycle, probes and metrics
  - clients: Go clients for the operator API

This package itself carries what they share: HTTPServerConfig and the JSON
error mapping. Every failed request is answered with

	{"error": "<kind>", "message": "<detail>"}

where kind is derived from the interfaces sentinel errors (see ErrorStatus).
Internal errors are logged and answered with a generic message.

# Key material on the wire

Only the device share ever crosses the API. It is returned once by wallet
creation and migration and must be supplied by the client on every signing
call. Server shares and escrowed recovery shares never leave the process.
*/
package api
