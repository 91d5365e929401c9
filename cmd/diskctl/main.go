// Command diskctl lets an operator inspect the arbiter and apply manual
// decisions: status listings, overrides and ticket resolution.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(dialArbiter).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
