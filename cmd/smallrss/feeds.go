package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/smallrss/internal/collect"
	"github.com/TobiSchelling/smallrss/internal/database"
)

// --- feeds command ---

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Manage feed subscriptions",
}

var feedsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List feeds in display order",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		feeds, err := db.ListFeeds(ctx)
		if err != nil {
			return err
		}
		if len(feeds) == 0 {
			fmt.Println("No feeds. Add one with: smallrss feeds add <url>")
			return nil
		}

		for _, f := range feeds {
			unread, err := db.UnreadCount(ctx, f.ID)
			if err != nil {
				return err
			}
			icon := " "
			if f.EnrichmentEnabled {
				icon = "*"
			}
			fmt.Printf("  [%d] %s %s (%d unread)\n", f.Position, icon, f.Title, unread)
			fmt.Printf("        %s\n", f.URL)
		}
		return nil
	},
}

var (
	feedTitle  string
	feedEnrich bool
)

var feedsAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Subscribe to a feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		title := feedTitle
		if title == "" {
			title = collect.DisplayName(args[0])
		}
		feed, err := db.UpsertFeed(cmd.Context(), database.FeedInput{
			URL:               args[0],
			Title:             title,
			EnrichmentEnabled: feedEnrich,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Added feed [%d]: %s\n", feed.Position, feed.Title)
		return nil
	},
}

var feedsRemoveCmd = &cobra.Command{
	Use:   "remove [url]",
	Short: "Unsubscribe from a feed and drop its articles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.RemoveFeed(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("%w: %s", err, args[0])
		}
		fmt.Printf("Removed feed: %s\n", args[0])
		return nil
	},
}

var feedsMoveCmd = &cobra.Command{
	Use:   "move [url] [position]",
	Short: "Move a feed to a new position",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pos, err := strconv.Atoi(args[1])
		if err != nil || pos < 0 {
			return fmt.Errorf("invalid position: %s", args[1])
		}
		ctx := cmd.Context()
		feeds, err := db.ListFeeds(ctx)
		if err != nil {
			return err
		}
		urls := lo.Map(feeds, func(f database.Feed, _ int) string { return f.URL })
		if !lo.Contains(urls, args[0]) {
			return fmt.Errorf("%w: %s", database.ErrFeedNotFound, args[0])
		}
		urls = lo.Without(urls, args[0])
		urls = slices.Insert(urls, min(pos, len(urls)), args[0])

		if err := db.ReorderFeeds(ctx, urls); err != nil {
			return err
		}
		fmt.Printf("Moved %s to position %d\n", args[0], min(pos, len(urls)-1))
		return nil
	},
}

var feedsEnrichCmd = &cobra.Command{
	Use:   "enrich [url] [on|off]",
	Short: "Turn movie lookups on or off for a feed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[1] {
		case "on":
			enabled = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[1])
		}
		return withFeed(cmd.Context(), args[0], func(db *database.DB, f *database.Feed) error {
			if err := db.SetFeedEnrichmentEnabled(cmd.Context(), f.ID, enabled); err != nil {
				return err
			}
			fmt.Printf("Enrichment for %s: %s\n", f.Title, args[1])
			return nil
		})
	},
}

func init() {
	feedsAddCmd.Flags().StringVar(&feedTitle, "title", "", "Display title (derived from the URL if empty)")
	feedsAddCmd.Flags().BoolVar(&feedEnrich, "enrich", false, "Look up movie metadata for new headlines")

	feedsCmd.AddCommand(feedsListCmd)
	feedsCmd.AddCommand(feedsAddCmd)
	feedsCmd.AddCommand(feedsRemoveCmd)
	feedsCmd.AddCommand(feedsMoveCmd)
	feedsCmd.AddCommand(feedsEnrichCmd)
}

// --- article commands ---

var (
	unreadOnly   bool
	articleLimit int
)

var articlesCmd = &cobra.Command{
	Use:   "articles [feed-url]",
	Short: "List the articles of a feed with their keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFeed(cmd.Context(), args[0], func(db *database.DB, f *database.Feed) error {
			articles, err := db.ListArticles(cmd.Context(), database.ArticleFilter{
				FeedID:     f.ID,
				UnreadOnly: unreadOnly,
				Limit:      articleLimit,
			})
			if err != nil {
				return err
			}
			for _, a := range articles {
				mark := " "
				if !a.Read {
					mark = "*"
				}
				fmt.Printf("  %s %s\n", mark, a.Title)
				fmt.Printf("      %s\n", a.Key)
			}
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read [feed-url] [article-key]",
	Short: "Mark an article as read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRead(cmd.Context(), args[0], args[1], true)
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread [feed-url] [article-key]",
	Short: "Mark an article as unread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRead(cmd.Context(), args[0], args[1], false)
	},
}

var markAllCmd = &cobra.Command{
	Use:   "mark-all [feed-url]",
	Short: "Mark every article of a feed as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFeed(cmd.Context(), args[0], func(db *database.DB, f *database.Feed) error {
			if err := db.MarkAllRead(cmd.Context(), f.ID); err != nil {
				return err
			}
			fmt.Printf("Marked all articles of %s as read\n", f.Title)
			return nil
		})
	},
}

func init() {
	articlesCmd.Flags().BoolVar(&unreadOnly, "unread", false, "Only list unread articles")
	articlesCmd.Flags().IntVarP(&articleLimit, "limit", "n", 50, "Maximum number of articles (0 for all)")
}

func setRead(ctx context.Context, feedURL, key string, read bool) error {
	return withFeed(ctx, feedURL, func(db *database.DB, f *database.Feed) error {
		a, err := db.GetArticle(ctx, f.ID, key)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("article not found: %s", key)
		}
		return db.SetRead(ctx, f.ID, key, read)
	})
}

// withFeed opens the store and runs fn on the feed with the given URL.
func withFeed(ctx context.Context, feedURL string, fn func(*database.DB, *database.Feed) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	feed, err := db.GetFeed(ctx, feedURL)
	if err != nil {
		return err
	}
	if feed == nil {
		return fmt.Errorf("%w: %s", database.ErrFeedNotFound, feedURL)
	}
	return fn(db, feed)
}
