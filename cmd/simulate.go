package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/telemetry-broker/internal/broker"
	"procodus.dev/telemetry-broker/internal/ingest"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the datalogger simulator",
	Long: `Run the datalogger simulator that:
- Generates a fleet of synthetic dataloggers
- Sends a frame from a random datalogger on every interval
- Records, resolves and publishes each frame as physical timeseries`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Int("devices", 5, "number of simulated dataloggers")
	simulateCmd.Flags().Duration("interval", 5*time.Second, "time between frames")
	_ = viper.BindPFlag("simulate.devices", simulateCmd.Flags().Lookup("devices"))
	_ = viper.BindPFlag("simulate.interval", simulateCmd.Flags().Lookup("interval"))
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator")

	p, err := newProcess(logger)
	if err != nil {
		return err
	}
	ingestor, err := newIngestor(p)
	if err != nil {
		return err
	}

	sim, err := ingest.NewSimulator(&ingest.SimulatorConfig{
		Logger:   logger,
		Ingestor: ingestor,
		Devices:  viper.GetInt("simulate.devices"),
		Interval: viper.GetDuration("simulate.interval"),
		Metrics:  p.Metrics().Ingest,
	})
	if err != nil {
		return err
	}
	p.Add(broker.Named("simulator", sim.Run))

	return p.Run(cmd.Context())
}
