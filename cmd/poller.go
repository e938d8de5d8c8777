package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/telemetry-broker/internal/broker"
	"procodus.dev/telemetry-broker/internal/poller"
)

var pollerCmd = &cobra.Command{
	Use:   "poller",
	Short: "Run the Eagle.io poller",
	Long: `Run the Eagle.io poller that:
- Fetches the latest data node values on every interval
- Skips sensor groups whose response has not changed since the last poll
- Records, resolves and publishes everything else as physical timeseries`,
	RunE: runPoller,
}

func init() {
	rootCmd.AddCommand(pollerCmd)

	pollerCmd.Flags().String("eagleio-url", poller.DefaultEagleIOURL, "Eagle.io API base URL")
	pollerCmd.Flags().String("eagleio-api-key", "", "Eagle.io API key")
	pollerCmd.Flags().Duration("interval", poller.DefaultInterval, "time between polls")
	pollerCmd.Flags().Duration("request-timeout", 30*time.Second, "timeout of one API request")
	pollerCmd.Flags().Float64("rps", 1, "API requests per second (0 means unlimited)")
	_ = viper.BindPFlag("poller.eagleio.url", pollerCmd.Flags().Lookup("eagleio-url"))
	_ = viper.BindPFlag("poller.eagleio.api_key", pollerCmd.Flags().Lookup("eagleio-api-key"))
	_ = viper.BindPFlag("poller.interval", pollerCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("poller.request_timeout", pollerCmd.Flags().Lookup("request-timeout"))
	_ = viper.BindPFlag("poller.rps", pollerCmd.Flags().Lookup("rps"))
}

func runPoller(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting poller", "source", poller.SourceEagleIO)

	client := poller.NewHTTPClient(viper.GetDuration("poller.request_timeout"), viper.GetFloat64("poller.rps"), 1, nil)
	source, err := poller.NewEagleIO(viper.GetString("poller.eagleio.url"), viper.GetString("poller.eagleio.api_key"), client)
	if err != nil {
		return err
	}

	p, err := newProcess(logger)
	if err != nil {
		return err
	}
	s, err := p.Store()
	if err != nil {
		return err
	}
	ingestor, err := newIngestor(p)
	if err != nil {
		return err
	}

	pl, err := poller.New(&poller.Config{
		Logger:   logger,
		Source:   source,
		Ingestor: ingestor,
		Devices:  s,
		Interval: viper.GetDuration("poller.interval"),
		Metrics:  p.Metrics().Ingest,
	})
	if err != nil {
		return err
	}
	p.Add(broker.Named("poller", pl.Run))

	return p.Run(cmd.Context())
}
