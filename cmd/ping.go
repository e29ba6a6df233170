package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/client"
	"github.com/JakeFAU/linkback/internal/linkback"
)

type pingOptions struct {
	file      string
	sourceURL string
	kind      string
	id        string
	title     string
	excerpt   string
	asJSON    bool
}

func newPingCmd() *cobra.Command {
	opts := &pingOptions{}
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Ping every resource a document links to",
		Long: `Reads an HTML document, discovers the Pingback or TrackBack endpoint of
every external resource it links to, pings them, and records one attempt
per target. The document's own URI comes from --source-url or from the
--kind/--id of a configured resource.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPing(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.file, "file", "f", "", "HTML document to scan (- for stdin)")
	f.StringVar(&opts.sourceURL, "source-url", "", "absolute URI of the document")
	f.StringVar(&opts.kind, "kind", "", "resource kind of the document")
	f.StringVar(&opts.id, "id", "", "resource id of the document")
	f.StringVar(&opts.title, "title", "", "title to send (default: derived from the document)")
	f.StringVar(&opts.excerpt, "excerpt", "", "excerpt to send (default: text around each link)")
	f.BoolVar(&opts.asJSON, "json", false, "print attempts as JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runPing(cmd *cobra.Command, opts *pingOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	doc, err := readDocument(cmd.InOrStdin(), opts.file)
	if err != nil {
		return err
	}
	req := client.PingRequest{
		Document:  doc,
		SourceURI: opts.sourceURL,
		Title:     opts.title,
		Excerpt:   opts.excerpt,
	}
	if opts.kind != "" || opts.id != "" {
		if opts.kind == "" || opts.id == "" {
			return errors.New("--kind and --id must be given together")
		}
		req.Source = &linkback.Reference{Kind: opts.kind, ID: opts.id}
	}

	attempts, pingErr := appInstance.Client().PingAll(cmd.Context(), req)
	if errors.Is(pingErr, client.ErrUnresolvedSource) {
		return pingErr
	}
	if err := printAttempts(cmd.OutOrStdout(), attempts, opts.asJSON); err != nil {
		return err
	}
	if pingErr != nil {
		for _, e := range multierr.Errors(pingErr) {
			appInstance.Logger().Error("record ping attempt failed", zap.Error(e))
		}
		return fmt.Errorf("%d ping attempts could not be recorded", len(multierr.Errors(pingErr)))
	}
	return nil
}

func printAttempts(w io.Writer, attempts []linkback.PingAttempt, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if attempts == nil {
			attempts = []linkback.PingAttempt{}
		}
		return enc.Encode(attempts)
	}
	if len(attempts) == 0 {
		_, err := fmt.Fprintln(w, "no pingable links found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tPROTOCOL\tSTATUS\tMESSAGE")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.TargetURI, a.Protocol, a.Status, a.Message)
	}
	return tw.Flush()
}

func readDocument(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return string(data), nil
}
