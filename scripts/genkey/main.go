// genkey generates a random API key for the trapwatch status API.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Appends TRAPWATCH_API_KEY=<key> to .env, which the server loads at
// startup. Refuses to run when .env already sets a key, so a live key is
// never rotated by accident.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

const (
	envFile = ".env"
	envKey  = "TRAPWATCH_API_KEY"
)

func main() {
	if f, err := os.Open(envFile); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if strings.HasPrefix(strings.TrimSpace(sc.Text()), envKey+"=") {
				fmt.Fprintf(os.Stderr, "error: %s already sets %s; remove it first to rotate the key\n", envFile, envKey)
				os.Exit(1)
			}
		}
		_ = f.Close()
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}
	key := base64.RawURLEncoding.EncodeToString(buf)

	f, err := os.OpenFile(envFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open %s: %v\n", envFile, err)
		os.Exit(1)
	}
	if _, err := fmt.Fprintf(f, "%s=%s\n", envKey, key); err != nil {
		fmt.Fprintf(os.Stderr, "error: write %s: %v\n", envFile, err)
		os.Exit(1)
	}
	_ = f.Close()

	fmt.Printf("wrote %s to %s\n", envKey, envFile)
	fmt.Println("Clients send it as: Authorization: Bearer <key>")
}
