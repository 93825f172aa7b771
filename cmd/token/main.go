// Package main issues an HS256 bearer token for a principal, signed with
// GRP_JWT_SECRET. Use the same secret and auth.jwt.issuer as the server.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/group-allocator/group-registry/internal/auth"
)

func main() {
	principal := flag.String("principal", "", "principal to name in the token (required)")
	issuer := flag.String("issuer", "group-registry", "iss claim; must match auth.jwt.issuer")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *principal == "" {
		flag.Usage()
		log.Fatal("-principal is required")
	}
	if err := auth.ValidateJWTSecret(); err != nil {
		log.Fatal(err)
	}

	token, err := auth.GenerateJWT(*principal, *issuer, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
