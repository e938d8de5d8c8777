package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/telemetry-broker/internal/delivery"
	"procodus.dev/telemetry-broker/pkg/envelope"
	pkglogger "procodus.dev/telemetry-broker/pkg/logger"
)

var writerCmd = &cobra.Command{
	Use:   "writer",
	Short: "Run a delivery writer",
	Long: `Run a delivery writer that consumes logical timeseries from
{target}_logical_msg_queue and hands each message to its target:
- timeseries: stores readings in the timeseries table
- log: logs every message`,
	RunE: runWriter,
}

func init() {
	rootCmd.AddCommand(writerCmd)

	writerCmd.Flags().String("target", "timeseries", "delivery target (timeseries, log)")
	writerCmd.Flags().Bool("calibrate", false, "apply logical device calibrations before storing readings")
	_ = viper.BindPFlag("writer.target", writerCmd.Flags().Lookup("target"))
	_ = viper.BindPFlag("writer.calibrate", writerCmd.Flags().Lookup("calibrate"))
}

func runWriter(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()
	name := viper.GetString("writer.target")
	logger.Info("starting delivery writer", "target", name)

	p, err := newProcess(logger)
	if err != nil {
		return err
	}
	s, err := p.Store()
	if err != nil {
		return err
	}

	var target delivery.Target
	switch name {
	case "timeseries":
		var t delivery.Transformer = delivery.IdentityTransformer{}
		if viper.GetBool("writer.calibrate") {
			t = delivery.CalibrationTransformer{}
		}
		if target, err = delivery.NewTimeseriesTarget(s, t); err != nil {
			return err
		}
	case "log":
		target = &delivery.LogTarget{Logger: pkglogger.WithComponent(logger, "log-writer")}
	default:
		return fmt.Errorf("unknown delivery target %q", name)
	}

	w, err := delivery.NewWriter(logger, s, target)
	if err != nil {
		return err
	}
	sub, err := p.Consumer(envelope.LogicalExchange, delivery.QueueName(target.Name()))
	if err != nil {
		return err
	}
	if _, err := p.AddWorker(target.Name()+"-writer", sub, w); err != nil {
		return err
	}

	return p.Run(cmd.Context())
}
