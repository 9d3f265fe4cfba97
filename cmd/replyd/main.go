// Command replyd normalizes inbound email replies.
package main

import (
	"github.com/spf13/cobra"

	"github.com/shineum/inbound-reply/cmd/replyd/cmd"
)

func main() {
	err := cmd.Execute()
	cobra.CheckErr(err)
}
