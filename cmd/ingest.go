package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/telemetry-broker/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run an ingestion worker for a push source",
	Long: `Run an ingestion worker that:
- Consumes wrapped payloads from the {source}_raw_msg_queue queue
- Records every payload in the raw message store
- Resolves the physical device and publishes physical timeseries`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().String("decoder", ingest.SourceTTN, "source decoder ("+strings.Join(ingest.Builtin().Sources(), ", ")+")")
	_ = viper.BindPFlag("ingest.decoder", ingestCmd.Flags().Lookup("decoder"))
}

func runIngest(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()
	source := viper.GetString("ingest.decoder")
	logger.Info("starting ingestion worker", "source", source)

	dec, err := ingest.Builtin().Lookup(source)
	if err != nil {
		return err
	}

	p, err := newProcess(logger)
	if err != nil {
		return err
	}
	ingestor, err := newIngestor(p)
	if err != nil {
		return err
	}
	handler, err := ingest.NewRawHandler(logger, ingestor, dec)
	if err != nil {
		return err
	}
	sub, err := p.Consumer(ingest.RawExchange(source), ingest.RawQueue(source))
	if err != nil {
		return err
	}
	if _, err := p.AddWorker(fmt.Sprintf("%s-ingest", source), sub, handler); err != nil {
		return err
	}

	return p.Run(cmd.Context())
}
