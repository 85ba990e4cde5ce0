package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vulnwatch/epss-go/config"
	"github.com/vulnwatch/epss-go/epss"
)

type cacheFlags struct {
	configFile string
	backend    string
	ttl        int
	noCache    bool
}

type queryFlags struct {
	date         string
	scope        string
	order        string
	epssGt       float64
	percentileGt float64
	limit        int
	offset       int
	envelope     bool
	pretty       bool
	format       string
}

var (
	log     = logrus.New()
	verbose bool
	cf      cacheFlags
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "epss",
		Short:         "Query the FIRST EPSS API with response caching",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&cf.configFile, "cache-config", "", "path to cache configuration file")
	root.PersistentFlags().StringVar(&cf.backend, "cache-backend", "", "cache backend: file, redis or database")
	root.PersistentFlags().IntVar(&cf.ttl, "cache-ttl", 0, "cache TTL in seconds")
	root.PersistentFlags().BoolVar(&cf.noCache, "no-cache", false, "disable caching")

	root.AddCommand(newQueryCmd(), newGetCmd(), newBatchCmd(), newTopCmd(), newCacheCmd())
	return root
}

func addQueryFlags(cmd *cobra.Command, qf *queryFlags) {
	cmd.Flags().StringVar(&qf.date, "date", "", "YYYY-MM-DD")
	cmd.Flags().StringVar(&qf.scope, "scope", "", "time-series")
	cmd.Flags().StringVar(&qf.order, "order", "", "sorting order, e.g. !epss")
	cmd.Flags().Float64Var(&qf.epssGt, "epss-gt", 0, "filter: epss greater than")
	cmd.Flags().Float64Var(&qf.percentileGt, "percentile-gt", 0, "filter: percentile greater than")
	cmd.Flags().IntVar(&qf.limit, "limit", 0, "maximum rows returned")
	cmd.Flags().IntVar(&qf.offset, "offset", 0, "row offset")
	cmd.Flags().BoolVar(&qf.envelope, "envelope", false, "request envelope wrapping")
	cmd.Flags().BoolVar(&qf.pretty, "pretty", false, "request pretty server output")
	cmd.Flags().StringVar(&qf.format, "format", "json", "output format: json or csv")
}

func (qf *queryFlags) options() epss.QueryOptions {
	return epss.QueryOptions{
		Date:                  qf.date,
		Scope:                 qf.scope,
		Order:                 qf.order,
		EPSSGreaterThan:       qf.epssGt,
		PercentileGreaterThan: qf.percentileGt,
		Limit:                 qf.limit,
		Offset:                qf.offset,
		Envelope:              qf.envelope,
		Pretty:                qf.pretty,
		NoCache:               cf.noCache,
		TTL:                   time.Duration(cf.ttl) * time.Second,
	}
}

// loadConfig resolves configuration and applies CLI cache overrides.
// Supplying --cache-backend or --cache-ttl implies enabling the cache;
// --no-cache wins over everything.
func loadConfig() *config.Config {
	cfg, err := config.Load(cf.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load cache config: %v\n", err)
	}
	if cf.backend != "" {
		cfg.Cache.Enabled = true
		cfg.Cache.Backend = cf.backend
	}
	if cf.ttl > 0 {
		cfg.Cache.Enabled = true
		cfg.Cache.TTL = cf.ttl
	}
	if cf.noCache {
		cfg.Cache.Enabled = false
	}
	return cfg
}

func newClient() *epss.Client {
	return epss.New(loadConfig(), log)
}

func runLookup(qf *queryFlags, do func(*epss.Client) (*epss.Envelope, error)) error {
	client := newClient()
	defer client.Close()

	env, err := do(client)
	if err != nil {
		return err
	}
	return printEnvelope(env, qf.format)
}

func newQueryCmd() *cobra.Command {
	qf := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Generic EPSS query",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(qf, func(c *epss.Client) (*epss.Envelope, error) {
				return c.Query(cmd.Context(), qf.options())
			})
		},
	}
	addQueryFlags(cmd, qf)
	return cmd
}

func newGetCmd() *cobra.Command {
	qf := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "get CVE",
		Short: "Get a single CVE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(qf, func(c *epss.Client) (*epss.Envelope, error) {
				return c.Get(cmd.Context(), args[0], qf.options())
			})
		},
	}
	addQueryFlags(cmd, qf)
	return cmd
}

func newBatchCmd() *cobra.Command {
	qf := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "batch CVE...",
		Short: "Fetch a batch of CVEs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(qf, func(c *epss.Client) (*epss.Envelope, error) {
				return c.Batch(cmd.Context(), args, qf.options())
			})
		},
	}
	addQueryFlags(cmd, qf)
	return cmd
}

func newTopCmd() *cobra.Command {
	qf := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Top CVEs by EPSS score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(qf, func(c *epss.Client) (*epss.Envelope, error) {
				return c.Top(cmd.Context(), qf.options())
			})
		},
	}
	addQueryFlags(cmd, qf)
	return cmd
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Cache management",
	}
	cmd.AddCommand(newCacheStatsCmd(), newCacheClearCmd(), newCacheConfigCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			defer client.Close()
			return printJSON(client.CacheStats())
		},
	}
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			defer client.Close()
			if !client.ClearCache(cmd.Context()) {
				return fmt.Errorf("failed to clear cache")
			}
			fmt.Println("Cache cleared successfully")
			return nil
		},
	}
}

func newCacheConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show resolved cache configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			return printJSON(cacheConfigView(&cfg.Cache))
		},
	}
}

// cacheConfigView flattens the resolved cache settings for display,
// showing only the active backend's block and never credentials.
func cacheConfigView(c *config.Cache) map[string]any {
	view := map[string]any{
		"enabled":    c.Enabled,
		"backend":    c.Backend,
		"ttl":        c.TTL,
		"key_prefix": c.KeyPrefix,
	}
	switch c.Backend {
	case config.BackendRedis:
		view["redis"] = map[string]any{
			"host":      c.Redis.Host,
			"port":      c.Redis.Port,
			"db":        c.Redis.DB,
			"pool_size": c.Redis.PoolSize,
		}
	case config.BackendDatabase:
		view["database"] = map[string]any{
			"url":        c.Database.URL,
			"table_name": c.Database.Table,
		}
	case config.BackendFile:
		view["file"] = map[string]any{
			"directory":   c.File.Directory,
			"max_size_mb": c.File.MaxSizeMB,
			"compression": c.File.Compression,
			"format":      c.File.Format,
		}
	}
	return view
}

func printEnvelope(env *epss.Envelope, format string) error {
	if format == "csv" {
		return writeCSV(env.Data)
	}
	return printJSON(env)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeCSV(rows []epss.Record) error {
	if len(rows) == 0 {
		return nil
	}
	w := csv.NewWriter(os.Stdout)
	if err := w.Write([]string{"cve", "date", "epss", "percentile"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.Write([]string{r.CVE, r.Date, r.EPSS, r.Percentile}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
