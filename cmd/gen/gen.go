package gen

import (
	"github.com/spf13/cobra"
)

// RootCmd groups the generators, it is mounted as "kvlink gen".
var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate documentation for kvlink",
	Long:  `Generate documentation for kvlink`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
