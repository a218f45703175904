package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"blastengine/internal/campaigns"
	"blastengine/internal/export"
	"blastengine/internal/types"
)

// campaignDocument is the YAML accepted by "campaign create". Audience is
// staged before the optional start; without it the configured audience
// source resolves recipients at start.
//
//	business_id: cafe-42
//	name: spring promo
//	strategy:
//	  cascade:
//	    - {channel: whatsapp, timeout_min: 60}
//	    - {channel: sms, timeout_min: 180}
//	  stop_on: [delivered_and_clicked]
//	audience:
//	  - customer_id: c-1
//	    addresses:
//	      - {id: a-1, channel: sms, value: "+77010000001", verified: true, opt_in: true}
type campaignDocument struct {
	campaigns.CreateInput `yaml:",inline"`
	Audience              []types.RecipientSeed `yaml:"audience"`
}

var (
	campaignFile   string
	campaignStart  bool
	campaignRunFor time.Duration
	exportFormat   string
	exportOutput   string
)

// campaignCmd groups campaign management.
var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Create and manage campaigns",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a campaign from a YAML document",
	Long: `Create a campaign from a YAML document (-f, or "-" for stdin).

With --start the campaign is started right away, and with --run the
run-loop then drives it for at most the given duration. The combination
is the usual way to exercise a cascade against the in-memory store.`,
	Args: cobra.NoArgs,
	RunE: runCampaignCreate,
}

var campaignGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignGet,
}

var campaignStatsCmd = &cobra.Command{
	Use:   "stats <id>",
	Short: "Print delivery and conversion statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStats,
}

var campaignExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export per-recipient delivery results as CSV",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignExport,
}

// lifecycleOp is a campaign state transition.
type lifecycleOp func(ctx context.Context, id string) (*types.Campaign, error)

// lifecycleCmd builds start/pause/resume/cancel.
func lifecycleCmd(use, short string, op func(*campaigns.Service) lifecycleOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := op(a.Campaigns)(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
}

func init() {
	campaignCreateCmd.Flags().StringVarP(&campaignFile, "file", "f", "", "Campaign YAML document (- for stdin)")
	campaignCreateCmd.Flags().BoolVar(&campaignStart, "start", false, "Start the campaign after creating it")
	campaignCreateCmd.Flags().DurationVar(&campaignRunFor, "run", 0, "Run the run-loop for at most this long after starting")
	_ = campaignCreateCmd.MarkFlagRequired("file")

	campaignExportCmd.Flags().StringVar(&exportFormat, "format", "csv", "Output encoding: csv, gzip or zstd")
	campaignExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default stdout)")

	campaignCmd.AddCommand(campaignCreateCmd)
	campaignCmd.AddCommand(campaignGetCmd)
	campaignCmd.AddCommand(campaignStatsCmd)
	campaignCmd.AddCommand(campaignExportCmd)
	campaignCmd.AddCommand(lifecycleCmd("start", "Start a draft or scheduled campaign",
		func(s *campaigns.Service) lifecycleOp { return s.Start }))
	campaignCmd.AddCommand(lifecycleCmd("pause", "Pause a running campaign",
		func(s *campaigns.Service) lifecycleOp { return s.Pause }))
	campaignCmd.AddCommand(lifecycleCmd("resume", "Resume a paused campaign",
		func(s *campaigns.Service) lifecycleOp { return s.Resume }))
	campaignCmd.AddCommand(lifecycleCmd("cancel", "Cancel a campaign and fail its active recipients",
		func(s *campaigns.Service) lifecycleOp { return s.Cancel }))
}

// readDocument parses a campaign document from path, or stdin for "-".
func readDocument(cmd *cobra.Command, path string) (*campaignDocument, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading campaign document: %w", err)
	}

	var doc campaignDocument
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing campaign document: %w", err)
	}
	return &doc, nil
}

func runCampaignCreate(cmd *cobra.Command, _ []string) error {
	doc, err := readDocument(cmd, campaignFile)
	if err != nil {
		return err
	}
	if campaignRunFor > 0 && !campaignStart {
		return fmt.Errorf("--run requires --start")
	}

	a, cfg, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	c, err := a.Campaigns.Create(ctx, doc.CreateInput)
	if err != nil {
		return err
	}
	if len(doc.Audience) > 0 {
		n, err := a.Audience.StageAudience(ctx, c.ID, doc.Audience)
		if err != nil {
			return fmt.Errorf("staging audience: %w", err)
		}
		a.Logger.Info("audience staged", "campaign_id", c.ID, "recipients", n)
	}

	if campaignStart {
		if c, err = a.Campaigns.Start(ctx, c.ID); err != nil {
			return err
		}
	}
	if campaignRunFor > 0 {
		if err := a.Loop.RunFor(ctx, cfg.Engine.TickInterval, campaignRunFor); err != nil {
			return err
		}
		stats, err := a.Campaigns.Stats(ctx, c.ID)
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	}
	return printJSON(cmd, c)
}

func runCampaignGet(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.Campaigns.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, c)
}

func runCampaignStats(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.Campaigns.Stats(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, stats)
}

func runCampaignExport(cmd *cobra.Command, args []string) error {
	enc, err := export.ParseEncoding(exportFormat)
	if err != nil {
		return err
	}
	a, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.Campaigns.Get(cmd.Context(), args[0]); err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("creating export file: %w", err)
		}
		defer f.Close()
		w = f
	}
	rows, err := a.Exporter.Export(cmd.Context(), w, args[0], enc)
	if err != nil {
		return err
	}
	a.Logger.Info("campaign exported", "campaign_id", args[0], "rows", rows, "encoding", exportFormat)
	return nil
}
