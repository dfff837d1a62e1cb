package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"genie/internal/config"
	"genie/internal/logging"
	"genie/internal/normalize"
	"genie/internal/querylog"
	"genie/internal/services"
	"genie/internal/snapshot"
)

// --- snapshots ---

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect and manage the snapshot store",
}

var snapshotsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show snapshot store statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), false, func(ctx context.Context, store snapshot.Store) error {
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		})
	},
}

var snapshotsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check snapshot store health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), true, func(ctx context.Context, store snapshot.Store) error {
			health := store.HealthCheck(ctx)
			if err := printJSON(cmd.OutOrStdout(), health); err != nil {
				return err
			}
			if health.Status == snapshot.Unhealthy {
				return fmt.Errorf("%s store is unhealthy: %s", health.Backend, health.Message)
			}
			return nil
		})
	},
}

var snapshotsGetCmd = &cobra.Command{
	Use:   "get <question>",
	Short: "Show the snapshot stored for a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		return withStore(cmd.Context(), true, func(ctx context.Context, store snapshot.Store) error {
			s, err := store.Get(ctx, question)
			if err != nil {
				return err
			}
			s.QuestionEmbedding, s.GistEmbedding, s.CodeEmbedding = nil, nil, nil
			return printJSON(cmd.OutOrStdout(), s)
		})
	},
}

var snapshotsDeleteCmd = &cobra.Command{
	Use:   "delete <question>",
	Short: "Delete the snapshot stored for a question",
	Long: `Delete the snapshot stored for a question.

By default the snapshot is tombstoned: it stops matching but stays on disk
or in the database. Pass --physical to remove it for good.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		physical, _ := cmd.Flags().GetBool("physical")
		return withStore(cmd.Context(), true, func(ctx context.Context, store snapshot.Store) error {
			if err := store.Delete(ctx, question, physical); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %q (physical=%t)\n", question, physical)
			return nil
		})
	},
}

var snapshotsSearchCmd = &cobra.Command{
	Use:   "search <question>",
	Short: "Run a question through the match tiers without dispatching it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := newStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Initialize(ctx); err != nil {
			return err
		}

		chat := services.NewChatService(cfg.OpenAIAPIKey, cfg.OpenAI.ChatModel, logger)
		embedder := services.NewEmbeddingService(cfg.OpenAIAPIKey, cfg.OpenAI.EmbeddingModel, nil, logger)
		forms := normalize.NewNormalizer(cfg.Dispatch.Salutations, services.NewGistService(chat), cfg.Dispatch.GistEnabled).Forms(ctx, question)

		vectors, err := embedder.EmbedAll(ctx, []string{forms.Normalized, forms.Gist})
		if err != nil {
			return err
		}
		matches, err := store.Search(ctx, snapshot.Query{
			Question:          forms.Stripped,
			Normalized:        forms.Normalized,
			Gist:              forms.Gist,
			QuestionEmbedding: vectors[0],
			GistEmbedding:     vectors[1],
			ThresholdQuestion: cfg.Snapshot.ThresholdQuestion,
			ThresholdGist:     cfg.Snapshot.ThresholdGist,
			Limit:             cfg.Snapshot.Limit,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "normalized: %s\ngist: %s\n\n", forms.Normalized, forms.Gist)
		if len(matches) == 0 {
			fmt.Fprintln(out, "no match")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SCORE\tTIER\tQUESTION\tID")
		for _, m := range matches {
			fmt.Fprintf(tw, "%.2f\t%s\t%s\t%s\n", m.Score, m.Tier, m.Snapshot.Question, m.Snapshot.IDHash[:12])
		}
		return tw.Flush()
	},
}

// --- querylog ---

var querylogCmd = &cobra.Command{
	Use:   "querylog",
	Short: "Inspect the submission query log",
}

var querylogTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}
		w, err := querylog.Open(config.Load().QueryLog.Path)
		if err != nil {
			return err
		}
		defer w.Close()

		entries, err := w.Recent(cmd.Context(), limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tUSER\tTIER\tCONFIDENCE\tQUESTION")
		for _, e := range entries {
			tier := e.MatchedTier
			if tier == "" {
				tier = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n",
				e.CreatedDate.Local().Format("2006-01-02 15:04:05"), e.UserID, tier, e.Confidence, e.Verbatim)
		}
		return tw.Flush()
	},
}

func init() {
	snapshotsDeleteCmd.Flags().Bool("physical", false, "remove the snapshot from persistence instead of tombstoning it")
	snapshotsCmd.AddCommand(snapshotsStatsCmd, snapshotsHealthCmd, snapshotsGetCmd, snapshotsDeleteCmd, snapshotsSearchCmd)

	querylogTailCmd.Flags().Int("limit", 20, "number of entries to show")
	querylogCmd.AddCommand(querylogTailCmd)
}

// withStore opens the configured store for an operator command. Stats and
// health work on an uninitialized store, so initialization is optional.
func withStore(ctx context.Context, initialize bool, fn func(context.Context, snapshot.Store) error) error {
	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel, "text")
	store, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if initialize {
		if err := store.Initialize(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, store)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
