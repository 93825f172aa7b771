// Package main bcrypt-hashes an API key so it can be added to the keyring
// file by hand. The key is read from the first argument or, when absent,
// from the first line of stdin.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/group-allocator/group-registry/internal/auth"
)

func main() {
	key, err := readKey()
	if err != nil {
		log.Fatal(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), auth.BcryptCost)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(hash))
}

func readKey() (string, error) {
	if len(os.Args) > 1 {
		return os.Args[1], nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("reading key from stdin: %w", err)
		}
		return "", fmt.Errorf("usage: %s <api-key>", os.Args[0])
	}
	return line, nil
}
