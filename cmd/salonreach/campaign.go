package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"salonreach/internal/campaign"
	"salonreach/internal/config"
	"salonreach/internal/history"
	"salonreach/internal/phone"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// campaignFile is the on-disk form of a campaign. YAML is the primary format;
// JSON files parse too since JSON is valid YAML.
type campaignFile struct {
	Messages []campaign.Job           `yaml:"messages" json:"messages"`
	Options  *campaign.OptionsRequest `yaml:"options,omitempty" json:"options,omitempty"`
}

func loadCampaignFile(path string) (*campaignFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read campaign file: %w", err)
	}
	var f campaignFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse campaign file %s: %w", path, err)
	}
	return &f, nil
}

func campaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Validate or submit a campaign file",
		Long: `A campaign file lists the messages to send:

  messages:
    - phone: "(11) 98765-4321"
      professionalId: pro-42
      message: "Bom dia! Sua agenda de amanhã tem 5 clientes."
  options:
    delayBetweenMessagesMs: 30000
    maxRetries: 2`,
	}
	cmd.AddCommand(campaignValidateCmd())
	cmd.AddCommand(campaignSendCmd())
	return cmd
}

func campaignValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a campaign file without sending anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefaults(resolveConfigPath())
			if err != nil {
				return err
			}
			f, err := loadCampaignFile(args[0])
			if err != nil {
				return err
			}
			if err := campaign.Validate(f.Messages); err != nil {
				return err
			}

			defaults := campaign.Options{
				DelayBetweenMessages: config.Ms(cfg.Campaign.DelayBetweenMessagesMs),
				MaxRetries:           cfg.Campaign.MaxRetries,
			}
			opts := f.Options.Resolve(defaults)
			n := phone.NewHeuristic(cfg.Phone.CountryCode, cfg.Phone.AreaCode)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tPROFESSIONAL\tPHONE\tDIALED AS\tCHARS")
			for i, j := range f.Messages {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", i, j.ProfessionalID, j.Phone, n.Normalize(j.Phone), len([]rune(j.Message)))
			}
			w.Flush()

			estimate := time.Duration(len(f.Messages)-1) * opts.DelayBetweenMessages
			fmt.Printf("\n%d message(s) valid; delay %s, %d attempt(s) each, at least %s in total\n",
				len(f.Messages), opts.DelayBetweenMessages, opts.MaxRetries, estimate)
			return nil
		},
	}
}

func campaignSendCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "send [file]",
		Short: "Submit a campaign file to a running server and wait for the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefaults(resolveConfigPath())
			if err != nil {
				return err
			}
			f, err := loadCampaignFile(args[0])
			if err != nil {
				return err
			}
			if err := campaign.Validate(f.Messages); err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = "http://" + cfg.Server.Addr()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := submitCampaign(ctx, http.DefaultClient, serverURL, f)
			if report != nil {
				data, _ := json.MarshalIndent(report, "", "  ")
				fmt.Println(string(data))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "base URL of the salonreach server (default: from config)")
	return cmd
}

// submitCampaign posts f and blocks until the server returns the report.
// A 400 for a logged-out session still carries a report, returned with the error.
func submitCampaign(ctx context.Context, client *http.Client, baseURL string, f *campaignFile) (*campaign.Report, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(baseURL, "/") + "/whatsapp/send-campaign"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	logger.Info("submitting campaign", "server", baseURL, "messages", len(f.Messages))
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send campaign: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var report campaign.Report
	if err := json.Unmarshal(data, &report); err == nil && (report.ID != "" || len(report.Errors) > 0) {
		if resp.StatusCode != http.StatusOK {
			return &report, fmt.Errorf("server returned %s: %s", resp.Status, strings.Join(report.Errors, "; "))
		}
		return &report, nil
	}

	var apiErr struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return nil, fmt.Errorf("server returned %s: %s (%s)", resp.Status, apiErr.Error, apiErr.Details)
	}
	return nil, fmt.Errorf("server returned %s", resp.Status)
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect stored campaign reports and session transitions",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(ctx context.Context, hs *history.Store) error {
				reports, err := hs.ListReports(ctx, limit)
				if err != nil {
					return err
				}
				if len(reports) == 0 {
					fmt.Println("No campaigns recorded.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTARTED\tSENT\tUNCONFIRMED\tFAILED\tOK")
				for _, r := range reports {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%t\n", r.ID, r.StartedAt.Local().Format(time.DateTime),
						r.SentCount, r.UnconfirmedCount, r.FailedCount, r.Success)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of campaigns to show")

	show := &cobra.Command{
		Use:   "show [id]",
		Short: "Show one campaign report with per-message details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(ctx context.Context, hs *history.Store) error {
				r, err := hs.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				if r == nil {
					return fmt.Errorf("campaign %s not found", args[0])
				}
				data, _ := json.MarshalIndent(r, "", "  ")
				fmt.Println(string(data))
				return nil
			})
		},
	}

	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "Show recent session state transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(ctx context.Context, hs *history.Store) error {
				entries, err := hs.RecentSessions(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tSTATE\tDETAIL")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.State, e.Detail)
				}
				return w.Flush()
			})
		},
	}
	sessions.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")

	cmd.AddCommand(list, show, sessions)
	return cmd
}

func withHistory(fn func(ctx context.Context, hs *history.Store) error) error {
	cfg, err := config.LoadOrDefaults(resolveConfigPath())
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return errors.New("campaign history is disabled (history.enabled=false)")
	}
	hs, err := history.Open(cfg.History.DBPath, logger)
	if err != nil {
		return err
	}
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, hs)
}
