// Command peerauth authenticates peers and manages the session secrets they negotiate.
package main

import (
	"os"
)

func main() {
	if err := newApp(os.Stdout).root().Execute(); err != nil {
		os.Exit(1)
	}
}
