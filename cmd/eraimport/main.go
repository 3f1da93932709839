// Command eraimport imports era1 block archives into a local block store
// and builds a block-hash index over the result.
package main

import (
	"fmt"
	"os"

	"github.com/chainarc/eraimport/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
