// Command linkauth inspects the authentication setup of a link daemon:
// how an identity resolves, what a peer would be told on rejection and how
// many links an identity holds open.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
