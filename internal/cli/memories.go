package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/recall/internal/memory"
	"github.com/lazypower/recall/internal/store"
	"github.com/lazypower/recall/internal/vector"
)

const commandTimeout = 30 * time.Second

// withService opens the service, runs fn and closes it again.
func withService(cmd *cobra.Command, opts *globalOpts, fn func(ctx context.Context, svc *memory.Service, prefix string) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	svc, cfg, logger, err := opts.openService(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer svc.Close()
	return fn(ctx, svc, cfg.Container.Prefix)
}

// --- add command ---

func newAddCmd(opts *globalOpts) *cobra.Command {
	var (
		c        containerFlags
		tags     []string
		typ      string
		metadata string
		pinned   bool
	)
	cmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Store a memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, prefix string) error {
				tag, err := c.resolve(prefix)
				if err != nil {
					return err
				}
				req := memory.AddRequest{
					ContainerTag: tag,
					Content:      strings.Join(args, " "),
					Tags:         tags,
					Type:         typ,
					Pinned:       pinned,
				}
				if metadata != "" {
					req.Metadata = json.RawMessage(metadata)
				}
				m, err := svc.Add(ctx, req)
				if err != nil {
					return fmt.Errorf("add: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), m.ID)
				return nil
			})
		},
	}
	c.register(cmd)
	cmd.Flags().StringSliceVarP(&tags, "tags", "t", nil, "Comma-separated tags")
	cmd.Flags().StringVar(&typ, "type", "", "Memory type (default note)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Opaque JSON metadata")
	cmd.Flags().BoolVar(&pinned, "pin", false, "Pin the memory so cleanup never removes it")
	return cmd
}

// --- search command ---

func newSearchCmd(opts *globalOpts) *cobra.Command {
	var (
		c         containerFlags
		limit     int
		threshold float64
		lexical   bool
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories",
		Long: `Search a container by hybrid vector and tag similarity. Use --lexical for full-text search only.

Scores weight tag similarity above content similarity (sqlite 0.8/0.2, chromem 0.6/0.4),
so a memory without tags scores at most the content weight. Keep --threshold below it
to see content-only matches.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, prefix string) error {
				tag, err := c.resolve(prefix)
				if err != nil {
					return err
				}

				var results []vector.Result
				if lexical {
					results, err = svc.SearchLexical(ctx, tag, query, limit)
				} else {
					req := memory.SearchRequest{ContainerTag: tag, Query: query, Limit: limit}
					if cmd.Flags().Changed("threshold") {
						req.Threshold = &threshold
					}
					var resp *memory.SearchResponse
					resp, err = svc.Search(ctx, req)
					if resp != nil {
						results = resp.Results
						if resp.Mode == memory.ModeLexical {
							fmt.Fprintln(cmd.ErrOrStderr(), "note: embedder unavailable; showing full-text matches")
						}
					}
				}
				if err != nil {
					return fmt.Errorf("search: %w", err)
				}
				printResults(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}
	c.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of results (default search.limit)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum similarity (default search.threshold)")
	cmd.Flags().BoolVar(&lexical, "lexical", false, "Full-text search only")
	return cmd
}

func printResults(w io.Writer, results []vector.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, r := range results {
		fmt.Fprintf(w, "%d. [%.3f] %s\n", i+1, r.Similarity, r.Memory.ID)
		fmt.Fprintf(w, "   %s\n", preview(r.Memory.Content, 200))
		if r.Memory.Tags != "" {
			fmt.Fprintf(w, "   tags: %s\n", r.Memory.Tags)
		}
		fmt.Fprintln(w)
	}
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// --- list command ---

func newListCmd(opts *globalOpts) *cobra.Command {
	var (
		c      containerFlags
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories in a container, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, prefix string) error {
				tag, err := c.resolve(prefix)
				if err != nil {
					return err
				}
				mems, err := svc.List(ctx, tag, limit, offset)
				if err != nil {
					return fmt.Errorf("list: %w", err)
				}
				w := cmd.OutOrStdout()
				if len(mems) == 0 {
					fmt.Fprintf(w, "No memories in %s\n", tag)
					return nil
				}
				for _, m := range mems {
					pin := " "
					if m.IsPinned {
						pin = "*"
					}
					fmt.Fprintf(w, "%s %s  %s  %s\n", pin, m.ID, time.UnixMilli(m.CreatedAt).Format(time.DateTime), preview(m.Content, 80))
				}
				return nil
			})
		},
	}
	c.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Records to skip")
	return cmd
}

// --- get command ---

func newGetCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, _ string) error {
				m, err := svc.Get(ctx, args[0])
				if err != nil {
					return fmt.Errorf("get: %w", err)
				}
				if m == nil {
					return fmt.Errorf("memory %s not found", args[0])
				}
				printMemory(cmd.OutOrStdout(), m)
				return nil
			})
		},
	}
}

func printMemory(out io.Writer, m *store.Memory) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id:\t%s\n", m.ID)
	fmt.Fprintf(w, "container:\t%s\n", m.ContainerTag)
	fmt.Fprintf(w, "type:\t%s\n", m.Type)
	if m.Tags != "" {
		fmt.Fprintf(w, "tags:\t%s\n", m.Tags)
	}
	fmt.Fprintf(w, "pinned:\t%t\n", m.IsPinned)
	fmt.Fprintf(w, "created:\t%s\n", time.UnixMilli(m.CreatedAt).Format(time.RFC3339))
	fmt.Fprintf(w, "updated:\t%s\n", time.UnixMilli(m.UpdatedAt).Format(time.RFC3339))
	for _, kv := range [][2]string{
		{"display name", m.DisplayName}, {"user", m.UserName}, {"email", m.UserEmail},
		{"project", m.ProjectName}, {"path", m.ProjectPath}, {"repo", m.GitRepoURL},
	} {
		if kv[1] != "" {
			fmt.Fprintf(w, "%s:\t%s\n", kv[0], kv[1])
		}
	}
	if len(m.Metadata) > 0 {
		fmt.Fprintf(w, "metadata:\t%s\n", m.Metadata)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%s\n", m.Content)
}

// --- rm command ---

func newRmCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "rm [id...]",
		Short: "Delete memories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, _ string) error {
				for _, id := range args {
					ok, err := svc.Delete(ctx, id)
					if err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
					if !ok {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: not found\n", id)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				}
				return nil
			})
		},
	}
}

// --- update command ---

func newUpdateCmd(opts *globalOpts) *cobra.Command {
	var (
		tags     []string
		typ      string
		metadata string
	)
	cmd := &cobra.Command{
		Use:   "update [id] [content]",
		Short: "Replace a memory's content",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, _ string) error {
				req := memory.UpdateRequest{ID: args[0], Content: strings.Join(args[1:], " "), Type: typ}
				if cmd.Flags().Changed("tags") {
					req.Tags = append([]string{}, tags...)
				}
				if metadata != "" {
					req.Metadata = json.RawMessage(metadata)
				}
				m, err := svc.Update(ctx, req)
				if err != nil {
					return fmt.Errorf("update: %w", err)
				}
				if m == nil {
					return fmt.Errorf("memory %s not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", m.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tags", "t", nil, "Replace tags (comma-separated)")
	cmd.Flags().StringVar(&typ, "type", "", "Replace type")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Replace metadata JSON")
	return cmd
}

// --- pin / unpin commands ---

func newPinCmd(opts *globalOpts, pin bool) *cobra.Command {
	use, short, verb := "pin [id]", "Protect a memory from cleanup", "pinned"
	if !pin {
		use, short, verb = "unpin [id]", "Allow cleanup to remove a memory again", "unpinned"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, _ string) error {
				set := svc.Unpin
				if pin {
					set = svc.Pin
				}
				ok, err := set(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("memory %s not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
				return nil
			})
		},
	}
}

// --- count command ---

func newCountCmd(opts *globalOpts) *cobra.Command {
	var (
		c   containerFlags
		all bool
	)
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count memories in a container, or everywhere with --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, prefix string) error {
				var (
					n   int
					err error
				)
				if all {
					n, err = svc.CountAll(ctx)
				} else {
					var tag string
					if tag, err = c.resolve(prefix); err != nil {
						return err
					}
					n, err = svc.Count(ctx, tag)
				}
				if err != nil {
					return fmt.Errorf("count: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	c.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Count across every container")
	return cmd
}

// --- tags command ---

func newTagsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List containers holding memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, _ string) error {
				containers, err := svc.DistinctTags(ctx)
				if err != nil {
					return fmt.Errorf("tags: %w", err)
				}
				if len(containers) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No containers yet.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CONTAINER\tCOUNT\tNAME\tLAST ACTIVITY")
				for _, c := range containers {
					name := c.DisplayName
					if name == "" {
						name = c.ProjectName
					}
					if name == "" {
						name = c.UserName
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.ContainerTag, c.Count, name,
						time.UnixMilli(c.LastActivity).Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}
}

// --- shards command ---

func newShardsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "shards",
		Short: "List shard files and their record counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service, _ string) error {
				shards, err := svc.Shards(ctx)
				if err != nil {
					return fmt.Errorf("shards: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSCOPE\tHASH\tINDEX\tRECORDS\tACTIVE\tPATH")
				for _, s := range shards {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%t\t%s\n",
						s.ID, s.Scope, s.ScopeHash, s.ShardIndex, s.VectorCount, s.IsActive, s.DBPath)
				}
				return w.Flush()
			})
		},
	}
}
