package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/ghostmail/internal/config"
	"github.com/shineum/ghostmail/internal/email"
	"github.com/shineum/ghostmail/internal/store"
	"github.com/shineum/ghostmail/internal/submit"
)

func newSendCmd(configPath *string) *cobra.Command {
	var req submit.Request

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit a test message to the running capture endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			id, err := newSubmitter(cfg).Send(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", id, cfg.SubmitAddr())
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.From, "from", "", "sender address")
	flags.StringVar(&req.To, "to", "", "comma-separated recipient addresses")
	flags.StringVar(&req.Subject, "subject", "", "message subject")
	flags.StringVar(&req.Text, "text", "", "plain-text body")
	flags.StringVar(&req.HTML, "html", "", "HTML body")
	return cmd
}

func newListCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print captured messages, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			msgs, err := st.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(msgs)
			}
			return printMessages(cmd.OutOrStdout(), msgs)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stored records as JSON")
	return cmd
}

func printMessages(w io.Writer, msgs []*email.Message) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tFROM\tSUBJECT")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Date.Local().Format(time.DateTime), m.From, m.Subject)
	}
	return tw.Flush()
}

func newClearCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every captured message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Clear(cmd.Context()); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "store cleared")
			return nil
		},
	}
}

func newExportCmd(configPath *string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write captured messages as an mbox archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer func() {
					if cerr := f.Close(); err == nil {
						err = cerr
					}
				}()
				w = f
			}

			n, err := store.ExportMbox(cmd.Context(), st, w)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if output != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d messages to %s\n", n, output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

// openStore opens the configured store for one-shot commands. Logging stays
// at the default handler so command output is not interleaved with JSON.
func openStore(configPath string) (store.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return openConfiguredStore(cfg)
}

func openConfiguredStore(cfg *config.Config) (store.Store, error) {
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
