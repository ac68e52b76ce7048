package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/tjfontaine/lead-dispatch/internal/adapters/auth/apikey"
)

func main() {
	caller := flag.String("caller", "", "caller key recorded on executions and used for rate limiting")
	generate := flag.Bool("generate", false, "generate a random API key instead of hashing an argument")
	flag.Parse()

	var apiKey string
	switch {
	case *generate:
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		apiKey = "ld-" + hex.EncodeToString(buf)
	case flag.NArg() == 1:
		apiKey = flag.Arg(0)
	default:
		fmt.Println("Usage: keygen [-caller name] (-generate | <api-key>)")
		fmt.Println("Prints the SHA-256 hash of an API key for the auth.api_keys section of config.yaml")
		os.Exit(1)
	}

	keyHash := apikey.HashAPIKey(apiKey)

	fmt.Printf("API Key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("auth:\n")
	fmt.Printf("  api_keys:\n")
	fmt.Printf("    - key_hash: \"%s\"\n", keyHash)
	if *caller != "" {
		fmt.Printf("      caller: \"%s\"\n", *caller)
	}
	fmt.Printf("      description: \"Generated key\"\n")
}
