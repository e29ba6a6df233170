package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List the ping endpoints a document's links advertise",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := readDocument(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			found := appInstance.Client().DiscoverBacklinks(cmd.Context(), doc)
			out := cmd.OutOrStdout()
			if len(found) == 0 {
				_, err := fmt.Fprintln(out, "no pingable links found")
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TARGET\tPROTOCOL\tENDPOINT")
			for _, d := range found {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.TargetURI, d.Protocol, d.EndpointURI)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "HTML document to scan (- for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
