package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the praetor release version.
const Version = "0.3.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the praetor version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("praetor " + Version)
		},
	}
}
