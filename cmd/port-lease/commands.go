package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ssh-port-lease/internal/app"
	"ssh-port-lease/internal/client"
	"ssh-port-lease/internal/config"
	"ssh-port-lease/internal/logging"
)

type globalOptions struct {
	addr      string
	timeout   time.Duration
	logLevel  string
	logFormat string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "port-lease",
		Short:         "Lease ephemeral SSH tunnel ports to devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("log-level") || cmd.Flags().Changed("log-format") {
				logging.Configure(opts.logLevel, opts.logFormat, os.Stderr)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.addr, "addr", client.DefaultBaseURL, "Base URL of the port-lease server")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "HTTP timeout for client commands")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", os.Getenv("LOG_LEVEL"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", os.Getenv("LOG_FORMAT"), "Log format (json, text)")

	root.AddCommand(
		newServeCommand(),
		newRequestCommand(opts),
		newAddTimeCommand(opts),
		newLookupCommand(opts),
		newHealthCommand(opts),
	)
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lease server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return app.Run(ctx, cfg)
		},
	}
}

func newRequestCommand(opts *globalOptions) *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "request <macid>",
		Short: "Request a port lease for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			grant, err := opts.client().RequestPort(cmd.Context(), args[0], minutes)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), grant)
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 0, "Lease length in minutes (server default when unset)")
	return cmd
}

func newAddTimeCommand(opts *globalOptions) *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "add-time <macid>",
		Short: "Extend an active lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ext, err := opts.client().AddPortTime(cmd.Context(), args[0], minutes)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ext)
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 0, "New lease length in minutes, counted from now")
	_ = cmd.MarkFlagRequired("minutes")
	return cmd
}

func newLookupCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <macid>",
		Short: "Print the port leased to a device, or 0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := opts.client().LookupPort(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), port)
			return err
		},
	}
}

func newHealthCommand(opts *globalOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			var err error
			if wait > 0 {
				err = c.WaitForHealth(cmd.Context(), wait)
			} else {
				err = c.Health(cmd.Context())
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return err
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "Keep retrying with backoff for up to this long")
	return cmd
}

func (o *globalOptions) client() *client.Client {
	return client.New(o.addr, o.timeout)
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

