// Command chatloop runs pipeline stage workers and the router in front of
// them.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
