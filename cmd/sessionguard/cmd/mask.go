package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brokerportal/sessionguard/encryption"
)

var maskKind string

var maskCmd = &cobra.Command{
	Use:   "mask <value>...",
	Short: "Mask sensitive values for display",
	Long:  `Masks each value as an email, phone, name or ssn. Unknown kinds print "[REDACTED]".`,
	Example: `  sessionguard mask --kind email jane.doe@example.com
  sessionguard mask --kind phone "(555) 123-4567"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, v := range args {
			fmt.Fprintln(cmd.OutOrStdout(), encryption.MaskSensitiveData(v, encryption.Kind(maskKind)))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(maskCmd)
	maskCmd.Flags().StringVarP(&maskKind, "kind", "k", "email", "Value kind: email, phone, name or ssn")
}
