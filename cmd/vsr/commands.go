package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/vsr/internal/api"
	"github.com/kalambet/vsr/internal/app"
	"github.com/kalambet/vsr/internal/config"
	"github.com/kalambet/vsr/internal/health"
	"github.com/kalambet/vsr/internal/importer"
	"github.com/kalambet/vsr/internal/reconcile"
)

// --- dataset ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import the NHTSA ratings dataset now",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/admin/sync"
		if force {
			path += "?force=true"
		}
		printStep("Syncing dataset...")
		res, err := postImport(cmd.Context(), client, path)
		if err != nil {
			return err
		}
		reportImport(res)
		return nil
	},
}

var reimportCmd = &cobra.Command{
	Use:   "reimport",
	Short: "Wipe every stored rating and reload the dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("reimport deletes every stored rating, including live and manual ones; pass --confirm")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Reimporting dataset...")
		res, err := postImport(cmd.Context(), client, "/admin/reimport?confirm=true")
		if err != nil {
			return err
		}
		reportImport(res)
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("force", false, "import even if the dataset has not changed")
	reimportCmd.Flags().Bool("confirm", false, "confirm the wipe")
}

func postImport(ctx context.Context, client *apiClient, path string) (importer.Result, error) {
	var res importer.Result
	resp, err := client.post(ctx, path, nil)
	if err != nil {
		return res, err
	}
	err = decodeJSON(resp, &res)
	return res, err
}

func reportImport(res importer.Result) {
	switch res.Status {
	case importer.StatusCurrent:
		printSuccess("Dataset is current, nothing imported")
	case importer.StatusSuccess:
		printSuccess("Imported %d rows (%d skipped, %d errors)", res.Imported, res.Skipped, res.Errors)
	default:
		if res.Reason != "" {
			printWarning("Sync %s: %s", res.Status, res.Reason)
			return
		}
		printWarning("Sync %s", res.Status)
	}
}

// --- maintenance ---

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Drop every cached rating",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := postCount(cmd.Context(), "/admin/cache/clear")
		if err != nil {
			return err
		}
		printSuccess("Cleared %d cached ratings", n)
		return nil
	},
}

var resetFailuresCmd = &cobra.Command{
	Use:   "reset-failures",
	Short: "Return failed reconciliation entries to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := postCount(cmd.Context(), "/admin/failures/reset")
		if err != nil {
			return err
		}
		printSuccess("Reset %d failed entries", n)
		return nil
	},
}

func postCount(ctx context.Context, path string) (int64, error) {
	client, err := newAPIClient()
	if err != nil {
		return 0, err
	}
	resp, err := client.post(ctx, path, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Entries int64 `json:"entries"`
	}
	err = decodeJSON(resp, &out)
	return out.Entries, err
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Create reconciliation entries for catalog vehicles",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Matching catalog against the live API...")
		resp, err := client.post(cmd.Context(), "/admin/discover", nil)
		if err != nil {
			return err
		}
		var res reconcile.DiscoverResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Matched %d models, %d new entries", res.Matched, res.Created)
		if res.Unmatched > 0 {
			printWarning("%d catalog models had no API match", res.Unmatched)
		}
		if res.Errors > 0 {
			printWarning("%d year/make lists could not be fetched", res.Errors)
		}
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one reconciliation batch now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/admin/batch", nil)
		if err != nil {
			return err
		}
		var res reconcile.BatchResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.Busy {
			printWarning("Another batch is running")
			return nil
		}
		printSuccess("Processed %d: %d rated, %d no data, %d failed", res.Processed, res.Success, res.NoData, res.Failed)
		return nil
	},
}

// --- health ---

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show reconciliation coverage and import status",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/admin/health")
		if err != nil {
			return err
		}
		var st app.Status
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		if asJSON {
			return printJSON(st)
		}
		printHealth(st)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the sync validation sweep and show its alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/admin/validate", nil)
		if err != nil {
			return err
		}
		var v health.Validation
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}
		printStatus("Status", "%s (%.1f%% coverage)", statusColor(v.Report.Status), v.Report.Coverage)
		if len(v.Alerts) == 0 {
			printSuccess("No alerts")
			return nil
		}
		for _, a := range v.Alerts {
			if a.Level == "critical" {
				printError("%s: %s", a.Code, a.Message)
			} else {
				printWarning("%s: %s", a.Code, a.Message)
			}
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().Bool("json", false, "print the raw report")
}

func statusColor(s string) string {
	switch s {
	case health.StatusHealthy:
		return colorize(colorGreen, s)
	case health.StatusDegraded:
		return colorize(colorRed, s)
	default:
		return colorize(colorYellow, s)
	}
}

func printHealth(st app.Status) {
	h := st.Health
	printStatus("Status", "%s", statusColor(h.Status))
	printStatus("Coverage", "%.1f%%", h.Coverage)
	printStatus("Sync log", "%d total, %d pending, %d syncing, %d success, %d no data, %d failed",
		h.Sync.Total, h.Sync.Pending, h.Sync.Syncing, h.Sync.Success, h.Sync.NoData, h.Sync.Failed)
	printStatus("Ratings", "%d stored (%d csv, %d api, %d manual), %d rated, %d expired",
		h.Ratings.Total, h.Ratings.CSV, h.Ratings.API, h.Ratings.Manual, h.Ratings.Rated, h.Ratings.Expired)

	imp := st.Import
	if imp.LastSuccess != nil {
		printStatus("Last import", "%s", imp.LastSuccess.Local().Format("2006-01-02 15:04"))
	} else {
		printStatus("Last import", "never")
	}
	if imp.RemoteModified != nil {
		printStatus("Dataset updated", "%s", imp.RemoteModified.Local().Format("2006-01-02 15:04"))
	}
	if imp.LastError != "" {
		printStatus("Last error", "%s", colorize(colorRed, imp.LastError))
	}
	if st.Last != nil && len(st.Last.Alerts) > 0 {
		printStatus("Open alerts", "%d", len(st.Last.Alerts))
	}
}

// --- lookup ---

var lookupCmd = &cobra.Command{
	Use:   "lookup <year> <make> <model>",
	Short: "Look up safety ratings; the model matches as a prefix",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		year, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid year %q", args[0])
		}
		q := url.Values{}
		q.Set("year", strconv.Itoa(year))
		q.Set("make", args[1])
		q.Set("model", strings.Join(args[2:], " "))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/ratings?"+q.Encode())
		if err != nil {
			return err
		}

		switch resp.StatusCode {
		case http.StatusNotFound:
			resp.Body.Close()
			printWarning("No rating available for %d %s %s", year, args[1], q.Get("model"))
			return nil
		case http.StatusServiceUnavailable:
			resp.Body.Close()
			return errors.New("ratings are temporarily unavailable, try again later")
		}

		var out api.LookupResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		for _, r := range out.Results {
			fmt.Printf("%s  overall %s  front %s  side %s  rollover %s  %s\n",
				colorize(colorBold, fmt.Sprintf("%d %s %s", r.Year, r.Make, r.Model)),
				stars(r.Overall), stars(r.FrontCrash), stars(r.SideCrash), stars(r.Rollover),
				colorize(colorCyan, fmt.Sprintf("[%s/%s]", r.Source, r.Tier)))
		}
		return nil
	},
}

func stars(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64) + "★"
}

// --- catalog and manual ratings ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the vehicle catalog used by discovery",
}

var catalogAddCmd = &cobra.Command{
	Use:   "add <year> <make> <model>",
	Short: "Add a vehicle to the catalog",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := vehicleBody(args)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/admin/catalog", body)
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Added %s to the catalog", out["vehicle"])
		return nil
	},
}

var ratingCmd = &cobra.Command{
	Use:   "rating",
	Short: "Manage manually entered ratings",
}

var ratingSetCmd = &cobra.Command{
	Use:   "set <year> <make> <model>",
	Short: "Store a manual rating that never expires",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := vehicleBody(args)
		if err != nil {
			return err
		}
		body := api.ManualRatingRequest{VehicleRequest: v}
		for flag, dst := range map[string]*any{
			"overall": &body.Overall, "front": &body.FrontCrash, "side": &body.SideCrash, "rollover": &body.Rollover,
		} {
			if s, _ := cmd.Flags().GetString(flag); s != "" {
				*dst = s
			}
		}
		body.VehiclePicture, _ = cmd.Flags().GetString("picture")
		if body.Overall == nil {
			return fmt.Errorf("--overall is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/admin/ratings", body)
		if err != nil {
			return err
		}
		var rec map[string]any
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		printSuccess("Stored manual rating for %d %s %s", v.Year, v.Make, v.Model)
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogAddCmd)

	ratingSetCmd.Flags().String("overall", "", "overall stars (1-5)")
	ratingSetCmd.Flags().String("front", "", "frontal crash stars")
	ratingSetCmd.Flags().String("side", "", "side crash stars")
	ratingSetCmd.Flags().String("rollover", "", "rollover stars")
	ratingSetCmd.Flags().String("picture", "", "vehicle picture URL")
	ratingCmd.AddCommand(ratingSetCmd)
}

func vehicleBody(args []string) (api.VehicleRequest, error) {
	year, err := strconv.Atoi(args[0])
	if err != nil {
		return api.VehicleRequest{}, fmt.Errorf("invalid year %q", args[0])
	}
	return api.VehicleRequest{Year: year, Make: args[1], Model: strings.Join(args[2:], " ")}, nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("# %s\n", config.Path())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		if cfg.Admin.Token == "" {
			printWarning("VSR_ADMIN_TOKEN is not set; the server will not start")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
