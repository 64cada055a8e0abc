// macropanel pulls cross-country macro-financial panels from SDMX-style
// statistical APIs (OECD, BIS, IMF, World Bank) into tidy tables.
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/seenimoa/macropanel/api"
	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/infra"
	"github.com/seenimoa/macropanel/internal/logging"
	"github.com/seenimoa/macropanel/internal/provider"
	"github.com/seenimoa/macropanel/internal/providers"
	"github.com/seenimoa/macropanel/internal/pull"
	"github.com/seenimoa/macropanel/internal/sdmx"
	"github.com/seenimoa/macropanel/internal/store"
	"github.com/seenimoa/macropanel/internal/tidy"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Process-wide state built by the root command.
var (
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *infra.Metrics
	deps    provider.Deps
	reg     *provider.Registry
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "macropanel",
	Short: "macropanel: SDMX panels for cross-country macro-finance",
	Long: `macropanel resolves dataflow structures, builds query keys and pulls
observations from the OECD, BIS, IMF and World Bank APIs into tidy
tables written as CSV, JSON, SQLite or Postgres.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Logging.Level = lvl
		}
		if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
			cfg.Cache.Refresh = true
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return err
		}

		metrics = infra.NewMetrics()
		deps = providers.NewDeps(cfg, logger, metrics)
		reg = provider.NewRegistry()
		return providers.RegisterAllTo(reg, cfg, deps)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("refresh", false, "ignore cached structure documents from earlier runs")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(structureCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(serveCmd)
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print version information",
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("macropanel %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, credentials and source reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("═══════════════════════════════════════")
		fmt.Println("  macropanel: System Status")
		fmt.Println("═══════════════════════════════════════")
		fmt.Printf("  Version:       %s (%s)\n", version, commit)
		fmt.Println()

		fmt.Println("  Configuration:")
		fmt.Printf("    Output:        %s (%s)\n", cfg.Output.Format, outputTarget(cfg.Output))
		fmt.Printf("    Cache dir:     %s\n", cfg.Cache.Dir)
		fmt.Printf("    Retries:       %d\n", cfg.HTTP.MaxRetries)
		fmt.Printf("    Config pulls:  %d\n", len(cfg.Pulls))
		fmt.Printf("    API Server:    %s:%d\n", cfg.API.Host, cfg.API.Port)
		fmt.Println()

		fmt.Println("  Credentials:")
		for _, k := range config.CheckCredentials(cfg) {
			status := "not set"
			if k.IsSet {
				status = fmt.Sprintf("set (%s: %s)", k.Source, k.Masked)
			}
			fmt.Printf("    %-25s %s\n", k.Name+":", status)
		}

		if ping, _ := cmd.Flags().GetBool("ping"); ping {
			fmt.Println()
			fmt.Println("  Sources:")
			for _, info := range reg.List() {
				p, _ := reg.Get(info.Name)
				status := "ok"
				if err := p.Ping(cmd.Context()); err != nil {
					status = "unreachable: " + err.Error()
				}
				fmt.Printf("    %-12s %s\n", info.Name+":", status)
			}
		}
		fmt.Println("═══════════════════════════════════════")
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("ping", false, "resolve each source's structure to check connectivity")
}

func outputTarget(o config.OutputConfig) string {
	switch strings.ToLower(o.Format) {
	case "sqlite":
		return o.SQLitePath
	case "postgres":
		if o.PostgresSchema != "" {
			return "schema " + o.PostgresSchema
		}
		return "search path"
	}
	return o.Dir
}

// --- Sources Command ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List registered sources and their pulls",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, info := range reg.List() {
			fmt.Printf("%s  %s\n", info.Name, info.Description)
			p, _ := reg.Get(info.Name)
			for _, ds := range info.Datasets {
				f := p.Fetcher(ds)
				fmt.Printf("  %-24s %s\n", ds, f.Description())
				if opt := f.OptionalParams(); len(opt) > 0 {
					fmt.Printf("  %-24s params: %s\n", "", strings.Join(opt, ", "))
				}
			}
		}
		return nil
	},
}

// --- Structure Command ---

var structureCmd = &cobra.Command{
	Use:   "structure <reference-url>",
	Short: "Print the dimensions of a dataflow",
	Long: `Resolve the data structure of the dataflow named by a reference query
URL (ROOT/data/FLOW/KEY) and print its dimensions in key order.

Examples:
  macropanel structure 'https://sdmx.oecd.org/public/rest/data/OECD.SDD.NAD,DSD_NASEC20@DF_T720R_A,1.1/A....'
  macropanel structure --codes REF_AREA '<url>'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, ref, err := resolveCatalog(cmd, args[0])
		if err != nil {
			return err
		}
		show, _ := cmd.Flags().GetStringSlice("codes")
		fmt.Printf("Flow:     %s\n", cat.Flow())
		fmt.Printf("Template: %s\n\n", ref.Key)
		for i, d := range cat.Dimensions() {
			if d.Time {
				fmt.Printf("  -  %-22s (time)\n", d.ID)
				continue
			}
			token := ""
			if i < len(ref.Key) {
				token = ref.Key[i]
			}
			fmt.Printf("  %d  %-22s %4d codes  template %q\n", i+1, d.ID, len(d.Codes), token)
			if wantsCodes(show, d.ID) {
				for _, c := range d.Codes {
					fmt.Printf("       %-12s %s\n", c.ID, c.Label)
				}
			}
		}
		return nil
	},
}

func init() {
	structureCmd.Flags().String("structure-format", "xml", "structure document format (xml, json)")
	structureCmd.Flags().StringSlice("codes", nil, "dimensions whose codes are listed (\"all\" for every one)")
	keyCmd.Flags().String("structure-format", "xml", "structure document format (xml, json)")
}

func wantsCodes(show []string, dim string) bool {
	for _, s := range show {
		if strings.EqualFold(s, "all") || strings.EqualFold(s, dim) {
			return true
		}
	}
	return false
}

func resolveCatalog(cmd *cobra.Command, ref string) (*sdmx.Catalog, sdmx.Reference, error) {
	format, _ := cmd.Flags().GetString("structure-format")
	engine := deps.Engine(deps.Client())
	return engine.Catalog(cmd.Context(), pull.Spec{
		Reference:       ref,
		StructureFormat: pull.StructureFormat(strings.ToLower(format)),
	})
}

// --- Key Command ---

var keyCmd = &cobra.Command{
	Use:   "key <reference-url> DIM=CODE[+CODE]...",
	Short: "Build a query key from dimension overrides",
	Long: `Build the dot-delimited query key for a dataflow. Dimensions that are
not overridden keep the token of the reference URL's key.

Example:
  macropanel key '<url>' REF_AREA=US+CA FREQ=A`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ov, err := parseOverrides(args[1:])
		if err != nil {
			return err
		}
		cat, ref, err := resolveCatalog(cmd, args[0])
		if err != nil {
			return err
		}
		resolved := sdmx.Overrides{}
		for dim, codes := range ov {
			id, ok := cat.Lookup(dim)
			if !ok {
				return errors.Errorf("unknown dimension %s (have %s)", dim, strings.Join(cat.Order(), ", "))
			}
			resolved.Set(id, codes...)
		}
		key, err := sdmx.BuildKey(cat.Order(), ref.Key, resolved)
		if err != nil {
			return err
		}
		fmt.Println(key)
		fmt.Println(ref.DataURL(key))
		return nil
	},
}

// parseOverrides reads DIM=CODE[+CODE] arguments.
func parseOverrides(args []string) (sdmx.Overrides, error) {
	ov := sdmx.Overrides{}
	for _, a := range args {
		dim, codes, ok := strings.Cut(a, "=")
		dim = strings.TrimSpace(dim)
		if !ok || dim == "" {
			return nil, errors.Errorf("override %q is not DIM=CODE", a)
		}
		ov.Set(dim, strings.Split(codes, sdmx.UnionSeparator)...)
	}
	return ov, nil
}

// --- Pull Command ---

var pullCmd = &cobra.Command{
	Use:   "pull <dataset>... | --all",
	Short: "Run pulls and write their tables",
	Long: `Run one or more pulls and write each table to the configured output.

Examples:
  macropanel pull oecd.t720 --start 2010 --end 2020
  macropanel pull bis.debt_securities --param countries=France,Japan
  macropanel pull imf.pip_currency --format json --out -
  macropanel pull --all --format sqlite`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all {
			args = allDatasets(reg)
		}
		if len(args) == 0 {
			return errors.New("name a dataset or use --all (see `macropanel sources`)")
		}

		params, err := pullParams(cmd)
		if err != nil {
			return err
		}
		out := cfg.Output
		if f, _ := cmd.Flags().GetString("format"); f != "" {
			out.Format = f
		}
		dest, _ := cmd.Flags().GetString("out")
		toStdout := dest == "-"
		if dest != "" && !toStdout {
			if strings.EqualFold(out.Format, "sqlite") {
				out.SQLitePath = dest
			} else {
				out.Dir = dest
			}
		}

		var sink store.Sink
		if !toStdout {
			sink, err = store.Open(cmd.Context(), out)
			if err != nil {
				return err
			}
			defer sink.Close()
		}

		for _, id := range args {
			res, err := reg.Fetch(cmd.Context(), provider.Dataset(id), params)
			if err != nil {
				return err
			}
			if toStdout {
				format, err := tidy.ParseFormat(out.Format)
				if err != nil {
					return err
				}
				if err := res.Table.Write(os.Stdout, format); err != nil {
					return err
				}
				continue
			}
			name := store.TableName(id)
			n, err := sink.Write(cmd.Context(), name, res.Table)
			if err != nil {
				return errors.Wrapf(err, "write %s", id)
			}
			logger.Info().
				Str("pull", id).
				Int64("rows", n).
				Int("skipped", len(res.Skipped)).
				Int("failures", len(res.Failures)).
				Str("table", name).
				Msg("written")
		}
		return nil
	},
}

func init() {
	pullCmd.Flags().Bool("all", false, "run every registered pull")
	pullCmd.Flags().String("start", "", "first period")
	pullCmd.Flags().String("end", "", "last period")
	pullCmd.Flags().String("format", "", "output format override (csv, json, sqlite, postgres)")
	pullCmd.Flags().String("out", "", "output directory or sqlite file; \"-\" writes to stdout")
	pullCmd.Flags().String("provider", "", "provider serving the dataset")
	pullCmd.Flags().StringArray("param", nil, "pull parameter as key=value (repeatable)")
}

func pullParams(cmd *cobra.Command) (provider.QueryParams, error) {
	raw, _ := cmd.Flags().GetStringArray("param")
	params, err := parseParams(raw)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{provider.ParamStart, provider.ParamEnd, provider.ParamProvider} {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			params[name] = v
		}
	}
	return params, nil
}

// parseParams reads key=value arguments.
func parseParams(raw []string) (provider.QueryParams, error) {
	params := provider.QueryParams{}
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.Errorf("param %q is not key=value", kv)
		}
		params[k] = strings.TrimSpace(v)
	}
	return params, nil
}

func allDatasets(reg *provider.Registry) []string {
	var out []string
	for ds := range reg.Coverage() {
		out = append(out, string(ds))
	}
	sort.Strings(out)
	return out
}

// --- Serve Command (API Server) ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if p, _ := cmd.Flags().GetInt("port"); p != 0 {
			cfg.API.Port = p
		}
		srv := api.NewServer(cfg, api.Options{
			Registry: reg,
			Engine:   deps.Engine(deps.Client()),
			Metrics:  metrics,
			Logger:   logger,
			Version:  version,
		})
		return srv.ListenAndServe(fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "port override")
}
