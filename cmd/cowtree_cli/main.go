package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sushant-115/cowtree/config"
)

type rootFlags struct {
	configPath string
	dir        string
	logLevel   string
	inMemory   bool
}

// loadConfig reads --config (or the defaults) and applies the flag overrides.
func (f *rootFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("dir") {
		cfg.Storage.Dir = f.dir
	}
	if flags.Changed("log-level") {
		cfg.Logger.Level = f.logLevel
	}
	if flags.Changed("in-memory") {
		cfg.Storage.InMemory = f.inMemory
	}
	return cfg, cfg.Validate()
}

// cli is the root command plus the store it opened, if any.
type cli struct {
	root  *cobra.Command
	flags rootFlags
	app   *app
}

func newCLI() *cli {
	c := &cli{}
	c.root = &cobra.Command{
		Use:           "cowtree",
		Short:         "Inspect and edit a copy-on-write B+Tree store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			c.app, err = openApp(cmd.Context(), cfg)
			return err
		},
	}
	pf := c.root.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&c.flags.dir, "dir", "", "storage directory (overrides storage.dir)")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "log level (overrides logger.level)")
	pf.BoolVar(&c.flags.inMemory, "in-memory", false, "keep the tree in memory only")

	current := func() *app { return c.app }
	c.root.AddCommand(
		putCommand(current),
		getCommand(current),
		deleteCommand(current),
		scanCommand(current),
		statsCommand(current),
		shellCommand(current),
	)
	return c
}

// execute runs the command line and then closes the store. Cobra does not
// run post-run hooks after a RunE error, so the close happens here.
func (c *cli) execute(ctx context.Context) error {
	err := c.root.ExecuteContext(ctx)
	if c.app != nil {
		if closeErr := c.app.Close(ctx); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	return err
}

func main() {
	if err := newCLI().execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}
}
