// Command ratls-verify is an operator CLI around the ita-verifier
// library: validating the environment configuration and running a
// single offline verification against a PEM certificate file, without
// needing a live TLS handshake.
package main

import (
	"fmt"
	"os"

	"github.com/gramine-ratls/ita-verifier/cmd/ratls-verify/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
