// Command pluginctl helps plugin authors hash, sign and pre-check bundles before
// submitting them to a plugin host.
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
