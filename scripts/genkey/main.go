// genkey generates credentials for an Ashiato collector deployment.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Prints an ingest key and a JWT signing secret as env-file lines:
//
//	ASHIATO_INGEST_KEYS=<random key>
//	ASHIATO_JWT_SECRET=<random secret>
//
// Paste them into the collector's .env and hand the ingest key to SDK
// clients, which exchange it for short-lived bearer tokens at
// POST /v1/auth/token. Re-running produces fresh values; rotating the JWT
// secret invalidates all outstanding tokens immediately.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

func main() {
	fmt.Printf("ASHIATO_INGEST_KEYS=%s\n", token("ak"))
	fmt.Printf("ASHIATO_JWT_SECRET=%s\n", token("as"))
}

// token returns a prefixed 256-bit random value in URL-safe base64.
func token(prefix string) string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "error: read random: %v\n", err)
		os.Exit(1)
	}
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(buf)
}
