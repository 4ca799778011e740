package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// errRejected is returned when verify finishes but the claim did not hold.
var errRejected = errors.New("webmention rejected")

type verifyOptions struct {
	source string
	target string
	vouch  string
}

// newVerifyCmd checks a single claim from the command line, running the same
// protocol as POST /webmention.
func newVerifyCmd() *cobra.Command {
	opts := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verifies and records one webmention claim",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.source, "source", "", "URL of the page that mentions the target")
	cmd.Flags().StringVar(&opts.target, "target", "", "URL on this site being mentioned")
	cmd.Flags().StringVar(&opts.vouch, "vouch", "", "optional vouch domain")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runVerify(cmd *cobra.Command, opts *verifyOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = appInstance.Close() }()

	outcome, err := appInstance.Verify(cmd.Context(), webmention.Claim{
		Source: strings.TrimSpace(opts.source),
		Target: strings.TrimSpace(opts.target),
		Vouch:  strings.TrimSpace(opts.vouch),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", outcome.Status, outcome.Detail)
	if outcome.Record != nil && outcome.Record.Snippet != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "snippet: %s\n", outcome.Record.Snippet)
	}
	if !outcome.Accepted() {
		return fmt.Errorf("%w: %s", errRejected, outcome.Detail)
	}
	return nil
}
