package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/identra/identra/internal/crypto"
)

// keygen emits the secrets a fresh deployment needs: a signing key pair for
// inspection and the AES seal key that protects private PEMs at rest. The
// server bootstraps its own signing key on first start; the seal key must
// exist beforehand.
func main() {
	alg := flag.String("alg", "RS256", "signing algorithm (RS256, ES256, PS256)")
	flag.Parse()

	privPEM, pubPEM, err := crypto.GenerateKeyPair(*alg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key pair: %v\n", err)
		os.Exit(1)
	}

	sealKey, err := crypto.GenerateSealKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate seal key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("KEY_SEAL_SECRET=%s\n", sealKey)
	fmt.Println("--------------------------------")
	fmt.Printf("Sample %s key pair (the server mints its own on first boot):\n\n", *alg)
	fmt.Println(privPEM)
	fmt.Println(pubPEM)
}
