package commands

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"pageprimer/pkg/domain"
)

var (
	fetchDocument string
	fetchHeaders  bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Fetch a resource through the interception layer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx := cmd.Context()
		if fetchDocument != "" {
			ctx = domain.WithMainDocument(ctx, fetchDocument)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, args[0], nil)
		if err != nil {
			return err
		}
		res, err := (&http.Client{Transport: svc.Transport()}).Do(req)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", args[0], err)
		}
		defer res.Body.Close()

		out := cmd.OutOrStdout()
		if fetchHeaders {
			fmt.Fprintln(out, res.Status)
			if err := res.Header.Write(out); err != nil {
				return err
			}
			fmt.Fprintln(out)
		}
		_, err = io.Copy(out, res.Body)
		return err
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchDocument, "document", "", "Main document URL the resource belongs to")
	fetchCmd.Flags().BoolVarP(&fetchHeaders, "include", "i", false, "Print the status line and response headers")
}
