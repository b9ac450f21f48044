package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/astaxie/beego/logs"
	"github.com/easymesh/rftun/config"
	"github.com/easymesh/rftun/util"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type runCfg struct {
	configPath string
	debug      bool
	linkKind   string
	role       string
	shared     bool
	format     string
	status     string
	handshake  string
	dumpConfig bool
}

var rc = &runCfg{}

var rootCmd = &cobra.Command{
	Use:   "rftun",
	Short: "IPv4 tunnel over a 32 byte frame radio link",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := rc.load(cmd)
		if err != nil {
			return err
		}
		if rc.dumpConfig {
			fmt.Print(cfg.String())
			return nil
		}
		if err := util.LogInit(cfg.Log.Dir, cfg.Log.Debug, cfg.Log.File); err != nil {
			return errors.Wrap(err, "log init")
		}
		defer logs.GetBeeLogger().Flush()
		logs.Info("rftun %s starting", util.VersionGet())

		ctx, cancel := util.SignalContext(context.Background(), nil)
		defer cancel()
		return run(ctx, cfg)
	},
	SilenceUsage: true,
	Version:      util.VersionGet(),
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&rc.configPath, "config", "c", "", "yaml config file")
	f.BoolVar(&rc.debug, "debug", false, "debug mode, log to console")
	f.StringVar(&rc.linkKind, "link", "", "link kind: udp or loop")
	f.StringVar(&rc.role, "role", "", "link role: primary or secondary")
	f.BoolVar(&rc.shared, "shared", false, "run both directions over one transceiver")
	f.StringVar(&rc.format, "format", "", "wire format: raw, sequenced or length")
	f.StringVar(&rc.status, "status", "", "status endpoint listen address")
	f.StringVar(&rc.handshake, "handshake", "", "enable the handshake as join or accept")
	f.BoolVar(&rc.dumpConfig, "dump-config", false, "print the effective config and exit")

	rootCmd.AddCommand(versionCmd)
}

// load reads the config file and applies the flags that were set.
func (rc *runCfg) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(rc.configPath)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Log.Debug = rc.debug
	}
	if flags.Changed("link") {
		cfg.Link.Kind = rc.linkKind
	}
	if flags.Changed("role") {
		cfg.Link.Role = rc.role
	}
	if flags.Changed("shared") {
		cfg.Link.Shared = rc.shared
	}
	if flags.Changed("format") {
		cfg.Frag.Format = rc.format
	}
	if flags.Changed("status") {
		cfg.Status.Listen = rc.status
	}
	if flags.Changed("handshake") {
		cfg.Handshake.Enabled = true
		cfg.Handshake.Role = rc.handshake
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
