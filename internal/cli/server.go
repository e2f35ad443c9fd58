package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/editnori/metamaprunner/internal/config"
	"github.com/editnori/metamaprunner/internal/daemon"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Control the supervised tagger/WSD daemons",
}

var serverStartCmd = &cobra.Command{
	Use:   "start [output-dir]",
	Short: "Start the tagger/WSD daemons if not already up",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServerStart,
}

var serverStopCmd = &cobra.Command{
	Use:   "stop [output-dir]",
	Short: "Stop daemons the supervisor started (per its PID file); leave adopted ones alone",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServerStop,
}

var serverStatusCmd = &cobra.Command{
	Use:   "status [output-dir]",
	Short: "Report tagger/WSD daemon liveness",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServerStatus,
}

func init() {
	serverCmd.AddCommand(serverStartCmd, serverStopCmd, serverStatusCmd)
}

func outputDirArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return "."
}

func buildSupervisorAndSpecs(outputDir string) (*daemon.Supervisor, []daemon.Spec, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, configError(err)
	}
	sup := daemon.New(outputDir, cfg.DaemonProbeAttempts, cfg.DaemonProbeInterval)

	var specs []daemon.Spec
	if cfg.TaggerCommand != "" {
		specs = append(specs, daemon.Spec{Name: "tagger", Command: cfg.TaggerCommand, Args: splitArgs(cfg.TaggerArgs), Port: cfg.TaggerPort})
	}
	if cfg.WSDCommand != "" {
		specs = append(specs, daemon.Spec{Name: "wsd", Command: cfg.WSDCommand, Args: splitArgs(cfg.WSDArgs), Port: cfg.WSDPort})
	}
	return sup, specs, nil
}

func runServerStart(cmd *cobra.Command, args []string) error {
	sup, specs, err := buildSupervisorAndSpecs(outputDirArg(args))
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return configError(fmt.Errorf("no daemon commands configured; set METAMAPRUNNER_TAGGER_COMMAND / METAMAPRUNNER_WSD_COMMAND"))
	}
	if err := sup.EnsureUp(specs); err != nil {
		return daemonError(err)
	}
	fmt.Println("daemons up")
	return nil
}

func runServerStop(cmd *cobra.Command, args []string) error {
	sup, _, err := buildSupervisorAndSpecs(outputDirArg(args))
	if err != nil {
		return err
	}
	if err := sup.Shutdown(); err != nil {
		return daemonError(err)
	}
	fmt.Println("daemons stopped")
	return nil
}

func runServerStatus(cmd *cobra.Command, args []string) error {
	_, specs, err := buildSupervisorAndSpecs(outputDirArg(args))
	if err != nil {
		return err
	}
	for name, up := range daemon.ProbeOnce(specs) {
		fmt.Printf("%s: %v\n", name, up)
	}
	return nil
}
