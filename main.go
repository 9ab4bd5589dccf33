// Command assetpipe builds and serves web assets.
package main

import (
	"os"

	"github.com/conneroisu/assetpipe/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
