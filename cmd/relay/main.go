// Command relay runs the rewriting reverse proxy.
//
// Usage:
//
//	relay --config rules.yaml
//	relay --config relay.yaml --port 9000 --log-level debug
//	relay --config relay.yaml --validate
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
