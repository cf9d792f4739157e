// Command rulebox compiles, runs and tests rulebox programs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/rulebox/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		code := cli.GetExitCode(err)
		if code != cli.ExitSuccess {
			// Commands report through their formatter; this covers cobra
			// usage errors and anything returned before a formatter existed.
			fmt.Fprintln(os.Stderr, "rulebox:", err)
		}
		os.Exit(code)
	}
}
