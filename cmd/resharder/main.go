package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/range-sharding/resharder/pkg/config"
	"github.com/range-sharding/resharder/pkg/copier"
	"github.com/range-sharding/resharder/pkg/cutover"
	"github.com/range-sharding/resharder/pkg/datastore"
	"github.com/range-sharding/resharder/pkg/differ"
	"github.com/range-sharding/resharder/pkg/models/topology"
	"github.com/range-sharding/resharder/pkg/player"
	"github.com/range-sharding/resharder/pkg/reshlog"
	"github.com/range-sharding/resharder/pkg/workflow"
	"github.com/range-sharding/resharder/pkg/workflow/statistics"
	"github.com/range-sharding/resharder/qdb"

	pkg "github.com/range-sharding/resharder/pkg"
)

var (
	cfgPath  string
	logLevel string

	sourceShards []string
	destShard    string
	keyspaceID   string
	category     string
	shardID      string
	startPos     uint64
)

var rootCmd = &cobra.Command{
	Use: "resharder --config `path-to-config`",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		cfgStr, err := config.LoadResharderCfg(cfgPath)
		if err != nil {
			return err
		}
		reshlog.Zero.Debug().Str("config", cfgStr).Msg("running config")

		level := config.ResharderConfig().LogLevel
		if logLevel != "" {
			level = logLevel
		}
		return reshlog.UpdateZeroLogLevel(level)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the resharder version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(pkg.ResharderVersionRevision)
	},
}

func buildWorkflow(ctx context.Context) (*workflow.Workflow, error) {
	rcfg := config.ResharderConfig()

	var db qdb.QDB
	var err error
	if rcfg.QdbType == "mem" && rcfg.MemqdbBackupPath != "" {
		db, err = qdb.RestoreQDB(rcfg.MemqdbBackupPath)
	} else {
		db, err = qdb.NewQDB(rcfg.QdbType, rcfg.QdbAddr)
	}
	if err != nil {
		return nil, err
	}

	stores := datastore.NewRegistry()
	if rcfg.ShardDataCfg != "" {
		shardData, err := config.LoadShardDataCfg(rcfg.ShardDataCfg)
		if err != nil {
			return nil, err
		}
		for shard, connect := range shardData.ShardsData {
			store, err := connectShard(ctx, connect)
			if err != nil {
				return nil, err
			}
			stores.Register(shard, store)
		}
	}

	return workflow.NewWorkflow(db, stores, player.NewRegistry(), workflow.Config{
		Copier: copier.Config{
			ChunkRows:         rcfg.Copier.ChunkRows,
			ReaderParallelism: rcfg.Copier.ReaderParallelism,
			RetryLimit:        rcfg.Copier.RetryLimit,
			RetryBackoff:      rcfg.Copier.RetryBackoff,
		},
		Player: player.Config{
			BatchSize:    rcfg.Player.BatchSize,
			LagThreshold: rcfg.Player.LagThreshold,
			RetryLimit:   rcfg.Player.RetryLimit,
			RetryBackoff: rcfg.Player.RetryBackoff,
		},
		Differ: differ.Config{
			ChunkRows:    rcfg.Differ.ChunkRows,
			MaxDriftRows: rcfg.Differ.MaxDriftRows,
		},
		Cutover: cutover.Config{
			LagThreshold:  rcfg.Cutover.LagThreshold,
			HealthTimeout: rcfg.Cutover.HealthTimeout,
		},
	}), nil
}

func connectShard(ctx context.Context, connect *config.ShardConnect) (datastore.Store, error) {
	dsns, err := connect.GetConnStrings()
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, dsn := range dsns {
		store, err := datastore.NewPgStore(ctx, dsn)
		if err == nil {
			return store, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Bulk copy one source shard into the destination shard",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wf, err := buildWorkflow(ctx)
		if err != nil {
			return err
		}
		if len(sourceShards) != 1 {
			return fmt.Errorf("copy takes exactly one --source shard")
		}
		snapshotPos, err := wf.BulkCopy(ctx, sourceShards[0], destShard)
		if err != nil {
			return err
		}
		fmt.Printf("copy finished, snapshot position %d\n", snapshotPos)
		return nil
	},
}

var playerCmd = &cobra.Command{
	Use:   "player",
	Short: "Run filtered replication from one source shard until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		wf, err := buildWorkflow(ctx)
		if err != nil {
			return err
		}
		if len(sourceShards) != 1 {
			return fmt.Errorf("player takes exactly one --source shard")
		}
		p, err := wf.StartPlayer(ctx, sourceShards[0], destShard, startPos)
		if err != nil {
			return err
		}
		<-ctx.Done()
		return p.Stop(context.Background())
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compare one source shard against the destination shard",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wf, err := buildWorkflow(ctx)
		if err != nil {
			return err
		}
		if len(sourceShards) != 1 {
			return fmt.Errorf("diff takes exactly one --source shard")
		}
		report, err := wf.RunDiff(ctx, sourceShards[0], destShard)
		if report != nil {
			fmt.Printf("matched %d mismatched %d source-only %d dest-only %d\n",
				report.Matched, report.Mismatched, report.SourceOnly, report.DestOnly)
		}
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate one serving category from the source shards to the destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wf, err := buildWorkflow(ctx)
		if err != nil {
			return err
		}
		cat, err := topology.CategoryFromString(category)
		if err != nil {
			return err
		}
		return wf.MigrateServingCategory(ctx, keyspaceID, cat, sourceShards, destShard)
	},
}

var deleteShardCmd = &cobra.Command{
	Use:   "delete-shard",
	Short: "Tear down a retired shard and rebuild the serving graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wf, err := buildWorkflow(ctx)
		if err != nil {
			return err
		}
		return wf.DeleteShard(ctx, shardID)
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Run the full merge pipeline for adjacent source shards",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		wf, err := buildWorkflow(ctx)
		if err != nil {
			return err
		}
		if err := wf.MergeShards(ctx, keyspaceID, sourceShards, destShard); err != nil {
			return err
		}
		stats := statistics.GetMergeStats()
		fmt.Printf("merge finished in %s (copy %s, catchup %s, diff %s, cutover %s)\n",
			stats.TotalTime, stats.CopyTime, stats.CatchupTime, stats.DiffTime, stats.CutoverTime)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report tablet health and positions for one shard",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wf, err := buildWorkflow(ctx)
		if err != nil {
			return err
		}
		reports, err := wf.ShardHealth(ctx, shardID)
		if err != nil {
			return err
		}
		for _, r := range reports {
			fmt.Printf("%s shard=%s serving=%t healthy=%t position=%d\n",
				r.TabletID, r.ShardID, r.Serving, r.Healthy, r.Position)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/resharder/config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level override")

	for _, cmd := range []*cobra.Command{copyCmd, playerCmd, diffCmd, migrateCmd, mergeCmd} {
		cmd.Flags().StringSliceVar(&sourceShards, "source", nil, "source shard id (repeatable)")
		cmd.Flags().StringVar(&destShard, "dest", "", "destination shard id")
	}
	playerCmd.Flags().Uint64Var(&startPos, "start-pos", 0, "initial log position for a fresh cursor")
	migrateCmd.Flags().StringVar(&keyspaceID, "keyspace", "", "keyspace id")
	migrateCmd.Flags().StringVar(&category, "category", "", "serving category: rdonly, replica or primary")
	mergeCmd.Flags().StringVar(&keyspaceID, "keyspace", "", "keyspace id")
	deleteShardCmd.Flags().StringVar(&shardID, "shard", "", "shard id to delete")
	statusCmd.Flags().StringVar(&shardID, "shard", "", "shard id to report")

	rootCmd.AddCommand(versionCmd, copyCmd, playerCmd, diffCmd, migrateCmd, deleteShardCmd, mergeCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		reshlog.Zero.Error().Err(err).Msg("")
		os.Exit(1)
	}
}
