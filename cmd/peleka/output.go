package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/peleka/pkg/output"
)

func sinkFor(cmd *cobra.Command) output.Sink {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "quiet":
		return output.NewQuiet(os.Stdout)
	case "ndjson":
		return output.NewNDJSON(os.Stdout)
	default:
		return output.NewHuman(os.Stdout)
	}
}
