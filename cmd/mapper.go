package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/telemetry-broker/internal/mapper"
	"procodus.dev/telemetry-broker/pkg/envelope"
)

var mapperCmd = &cobra.Command{
	Use:   "mapper",
	Short: "Run the logical mapper",
	Long: `Run the logical mapper that:
- Consumes physical timeseries from the lm_physical_msg_queue queue
- Looks up the current mapping of each physical device
- Publishes logical timeseries for mapped devices`,
	RunE: runMapper,
}

func init() {
	rootCmd.AddCommand(mapperCmd)

	mapperCmd.Flags().Bool("auto-create-logical", false, "create a logical device and mapping for never-mapped physical devices")
	_ = viper.BindPFlag("mapper.auto_create_logical", mapperCmd.Flags().Lookup("auto-create-logical"))
}

func runMapper(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting logical mapper")

	p, err := newProcess(logger)
	if err != nil {
		return err
	}

	s, err := p.Store()
	if err != nil {
		return err
	}
	pub, err := p.Publisher(envelope.LogicalExchange)
	if err != nil {
		return err
	}
	sub, err := p.Consumer(envelope.PhysicalExchange, mapper.QueueName)
	if err != nil {
		return err
	}

	m, err := mapper.New(&mapper.Config{
		Logger:            logger,
		Store:             s,
		Publisher:         pub,
		Metrics:           p.Metrics().Mapper,
		AutoCreateLogical: viper.GetBool("mapper.auto_create_logical"),
	})
	if err != nil {
		return err
	}
	if _, err := p.AddWorker("mapper", sub, m); err != nil {
		return err
	}

	return p.Run(cmd.Context())
}

