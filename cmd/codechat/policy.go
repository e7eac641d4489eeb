package codechat

import (
	"fmt"

	"github.com/codechat-universal/codechat/pkg/policy"
	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the compiled-in allowlists",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Allowed navigation domains (substring match, http/https only):")
		for _, d := range policy.AllowedDomains() {
			fmt.Printf("  %s\n", d)
		}
		fmt.Println("Allowed sandbox images:")
		for _, img := range policy.AllowedImages() {
			fmt.Printf("  %s\n", img)
		}
		return nil
	},
}

func init() {
	policyCmd.AddCommand(&cobra.Command{
		Use:   "url <url>",
		Short: "Check whether the worker may navigate to a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return report(policy.CheckURL(args[0]), args[0])
		},
	})
	policyCmd.AddCommand(&cobra.Command{
		Use:   "image <image>",
		Short: "Check whether a container image may be used for sandbox jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return report(policy.CheckImage(args[0]), args[0])
		},
	})
}

func report(err error, target string) error {
	if err != nil {
		fmt.Printf("denied: %s\n", target)
		return err
	}
	fmt.Printf("allowed: %s\n", target)
	return nil
}
