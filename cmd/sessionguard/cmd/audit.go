package cmd

import "github.com/spf13/cobra"

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Security event inspection tools",
	Long:  `Commands for listing and summarizing security events recorded by the platform.`,
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
