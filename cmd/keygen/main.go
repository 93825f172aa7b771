// Package main generates an API key for a principal and prints the keyring
// entry to paste into auth.api_keys.keyring_file. The raw key is shown once;
// only its bcrypt hash goes into the keyring.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/group-allocator/group-registry/internal/auth"
)

func main() {
	principal := flag.String("principal", "", "principal the key authenticates (required)")
	prefix := flag.String("prefix", "grp_", "key prefix; must match auth.api_keys.prefix")
	flag.Parse()

	if *principal == "" {
		flag.Usage()
		log.Fatal("-principal is required")
	}

	key, hash, displayPrefix, err := auth.GenerateAPIKey(*prefix)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("API Key Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nKey: %s\n", key)
	fmt.Println("\nKeyring entry:")
	fmt.Printf(`
keys:
  - principal: %q
    prefix: %q
    hash: %q
`, *principal, displayPrefix, hash)
	fmt.Println("\n==========================================================")
	fmt.Printf("Authorization Header: Bearer %s\n", key)
	fmt.Println("==========================================================")
}
