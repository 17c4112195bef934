// keygen mints ed25519 signer material for the kernel.
//
// It prints the base64 seed (goes into LOCAL_SIGNER_SEED, dev only) and a
// registration payload for POST /v1/signers so approver keys can be enrolled
// without touching the database. The kid is derived from the public key the
// same way the kernel's local provider derives it.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	kid := flag.String("kid", "", "kid for the registration payload (default derives from the public key)")
	seedOut := flag.String("seed-out", "", "write the base64 seed to this file instead of stdout")
	flag.Parse()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	must(err)

	seed := base64.StdEncoding.EncodeToString(priv.Seed())
	id := *kid
	if id == "" {
		sum := sha256.Sum256(pub)
		id = fmt.Sprintf("local-ed25519:%x", sum[:4])
	}

	registration := map[string]string{
		"kid":          id,
		"algorithm":    "ed25519",
		"publicKeyB64": base64.StdEncoding.EncodeToString(pub),
	}
	payload, err := json.MarshalIndent(registration, "", "  ")
	must(err)

	if *seedOut != "" {
		must(os.WriteFile(*seedOut, []byte(seed+"\n"), 0o600))
		fmt.Printf("seed written to %s\n", *seedOut)
	} else {
		fmt.Printf("seed (keep private): %s\n", seed)
	}
	fmt.Printf("registration payload for POST /v1/signers:\n%s\n", payload)
}
