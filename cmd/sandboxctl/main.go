// Command sandboxctl inspects and manages sandboxes directly against the
// Docker daemon and the sandboxd database, without going through the API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
