package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/livechat/cmd/livechat/cmds"
)

func main() {
	cobra.CheckErr(cmds.NewRootCommand().Execute())
}
