package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ochat/config"
	"ochat/session"
	"ochat/tools"
	"ochat/web"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API for the browser front end",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models installed on the Ollama server",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

var toolCmd = &cobra.Command{
	Use:   "tool NAME [JSON]",
	Short: "Run a tool directly and print its result",
	Long: `Runs one of the built-in tools without involving a model.

  ochat tool list_directory '{"path": ".", "detailed": true}'
  ochat tool execute_command '{"command": "uname -a"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runTool,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.GetConfigFilePath())
		return nil
	},
}

var setModelCmd = &cobra.Command{
	Use:   "set-model MODEL",
	Short: "Make MODEL the default model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GetConfigFilePath()
		err := config.UpdateFileConfig(path, func(fc *config.FileConfig) {
			fc.Ollama.DefaultModel = args[0]
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Default model set to %s in %s\n", args[0], path)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "listen address (overrides config)")
	configCmd.AddCommand(setModelCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	listen := a.cfg.Listen
	if flagListen != "" {
		listen = flagListen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := session.NewStore(a.newAgent, session.WithIdleTTL(a.cfg.SessionIdleTTL))
	srv := web.NewServer(store, a.client, web.WithAuditLog(a.audit))

	fmt.Fprintf(cmd.OutOrStdout(), "ochat %s listening on http://%s\n", Version, listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, listen) })
	g.Go(func() error { return store.Run(gctx) })

	if err := g.Wait(); err != nil {
		config.DebugLog.Error().Err(err).Msg("server stopped")
		return err
	}
	return nil
}

func runModels(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	models, err := a.client.ListModels(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.Name, humanize.Bytes(uint64(m.Size)), humanize.Time(m.ModifiedAt))
	}
	return w.Flush()
}

func runTool(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ag, err := a.newAgent("cli")
	if err != nil {
		return err
	}

	raw := ""
	if len(args) == 2 {
		raw = args[1]
	}
	data, err := ag.ExecuteTool(cmd.Context(), args[0], raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tools.FormatData(data))
	return nil
}
