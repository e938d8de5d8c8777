package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/telemetry-broker/internal/broker"
	"procodus.dev/telemetry-broker/internal/ingest"
	"procodus.dev/telemetry-broker/internal/webhook"
	"procodus.dev/telemetry-broker/pkg/mq"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Run the webhook receiver",
	Long: `Run the webhook receiver that:
- Accepts POST /{source}/webhook/up for each configured source
- Stamps a correlation id on every payload
- Publishes the payload to the {source}_raw exchange for an ingest worker`,
	RunE: runWebhook,
}

func init() {
	rootCmd.AddCommand(webhookCmd)

	webhookCmd.Flags().StringSlice("sources", []string{ingest.SourceTTN}, "sources accepted by the receiver")
	webhookCmd.Flags().Int64("max-body-bytes", 1<<20, "largest accepted request body")
	_ = viper.BindPFlag("webhook.sources", webhookCmd.Flags().Lookup("sources"))
	_ = viper.BindPFlag("webhook.max_body_bytes", webhookCmd.Flags().Lookup("max-body-bytes"))
}

func runWebhook(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()
	sources := viper.GetStringSlice("webhook.sources")
	logger.Info("starting webhook receiver", "sources", sources)

	if viper.GetInt("http.port") <= 0 {
		return errors.New("webhook receiver requires an HTTP port")
	}

	p, err := newProcess(logger)
	if err != nil {
		return err
	}

	publishers := make(map[string]mq.Publisher, len(sources))
	for _, source := range sources {
		pub, err := p.Publisher(ingest.RawExchange(source))
		if err != nil {
			return err
		}
		publishers[source] = pub
	}

	r, err := webhook.New(&webhook.Config{
		Logger:       logger,
		Publishers:   publishers,
		MaxBodyBytes: viper.GetInt64("webhook.max_body_bytes"),
		Metrics:      p.Metrics().Ingest,
	})
	if err != nil {
		return err
	}
	r.Routes(p.Router())

	p.Add(broker.Named("webhook", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))
	return p.Run(cmd.Context())
}
