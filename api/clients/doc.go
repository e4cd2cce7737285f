/*
Package clients provides a Go client for the walletd operator API.

UnsealClient is used by custody-admin. Status is unauthenticated. SubmitShare
signs the share with the operator key and additionally signs the request
itself: the SHA-256 of the request path followed by the body is signed and
sent with the operator id in the X-Operator-ID and X-Operator-Signature
headers.

	key, _ := kms.ParseOperatorPrivateKey(privPEM)
	client := clients.NewUnsealClient("http://127.0.0.1:8081", kms.OperatorID(pubPEM), key, 0)
	resp, err := client.SubmitShare(ctx, share)
*/
package clients
