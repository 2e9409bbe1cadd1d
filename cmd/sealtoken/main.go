// Command sealtoken encrypts a broker refresh token into a sealed file that
// bracketbot unlocks at startup with BRACKETBOT_TOKEN_PASSPHRASE.
//
// Usage:
//
//	BRACKETBOT_TOKEN_PASSPHRASE=... sealtoken -out token.sealed < refresh_token.txt
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/alanyoungcy/bracketbot/internal/crypto"
)

func main() {
	out := flag.String("out", "token.sealed", "path of the sealed token file")
	flag.Parse()

	passphrase := os.Getenv("BRACKETBOT_TOKEN_PASSPHRASE")
	if passphrase == "" {
		fail("BRACKETBOT_TOKEN_PASSPHRASE must be set")
	}

	token, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && token == "" {
		fail("read token from stdin: %v", err)
	}

	sealed, err := crypto.SealToken(strings.TrimSpace(token), passphrase)
	if err != nil {
		fail("%v", err)
	}
	if err := os.WriteFile(*out, sealed, 0o600); err != nil {
		fail("write %s: %v", *out, err)
	}

	// Read the file back to verify it opens.
	if _, err := crypto.LoadRefreshToken(crypto.TokenSource{SealedPath: *out, Passphrase: passphrase}); err != nil {
		fail("verify %s: %v", *out, err)
	}
	fmt.Printf("sealed token written to %s\n", *out)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "sealtoken: "+format+"\n", args...)
	os.Exit(1)
}
