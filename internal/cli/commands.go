package cli

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lazypower/chanfix/internal/client"
	"github.com/lazypower/chanfix/internal/config"
	"github.com/lazypower/chanfix/internal/engine"
	"github.com/lazypower/chanfix/internal/network"
	"github.com/lazypower/chanfix/internal/store"
	"github.com/spf13/cobra"
)

func newClient() *client.Client {
	return client.New(serverURL)
}

// defaultSetter names the operator behind a mark or nofix when --setter is
// not given.
func defaultSetter() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// ago renders a timestamp relative to now, or "never" for the zero time.
func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// --- fix command ---

var (
	fixAs       string
	fixElevated bool
)

var fixCmd = &cobra.Command{
	Use:   "fix <channel>",
	Short: "Request a fix for a channel",
	Long: "Ask the engine to fix a channel on its next autofix pass, even when automatic\n" +
		"fixing is off. With --as, the request is made on behalf of a nick that must\n" +
		"currently hold ops in the channel.",
	Args: cobra.ExactArgs(1),
	RunE: runFix,
}

func runFix(cmd *cobra.Command, args []string) error {
	body := map[string]any{}
	if fixAs != "" {
		body["nick"] = fixAs
		body["elevated"] = fixElevated
	}
	if _, err := newClient().PostJSON(client.ChannelPath(args[0], "fix"), body); err != nil {
		return err
	}
	fmt.Printf("Fix requested for %s.\n", args[0])
	return nil
}

// --- mark / nofix commands ---

var (
	noteSetter string
	noteRemove bool
)

var markCmd = &cobra.Command{
	Use:   "mark <channel> [text...]",
	Short: "Set or remove the note on a channel",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runNote("mark"),
}

var nofixCmd = &cobra.Command{
	Use:   "nofix <channel> [reason...]",
	Short: "Exclude a channel from fixing, or lift the exclusion with --remove",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runNote("nofix"),
}

func runNote(kind string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[1:], " ")
		if !noteRemove && text == "" {
			return fmt.Errorf("%s: text required (or --remove)", kind)
		}
		setter := noteSetter
		if setter == "" {
			setter = defaultSetter()
		}
		_, err := newClient().PostJSON(client.ChannelPath(args[0], kind), map[string]any{
			"setter": setter,
			"text":   text,
			"remove": noteRemove,
		})
		if err != nil {
			return err
		}
		if noteRemove {
			fmt.Printf("Removed %s on %s.\n", kind, args[0])
		} else {
			fmt.Printf("Set %s on %s.\n", kind, args[0])
		}
		return nil
	}
}

// --- info command ---

var infoCmd = &cobra.Command{
	Use:   "info <channel>",
	Short: "Show the chanfix record for a channel",
	Long: "Show the chanfix record for a channel. When no server is running the\n" +
		"record is read from the database and live state is not available.",
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	c := newClient()
	if c.Healthy() {
		var info engine.ChannelInfo
		if err := c.GetJSON(client.ChannelPath(args[0]), &info); err != nil {
			return err
		}
		printInfo(os.Stdout, &info)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	info, err := storedInfo(db, cfg, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "server not running; showing the saved record")
	printInfo(os.Stdout, info)
	return nil
}

// storedInfo builds channel info from the database alone. The network
// model is empty, so the channel always reports as not live.
func storedInfo(db *store.DB, cfg config.Config, name string) (*engine.ChannelInfo, error) {
	c, err := db.GetChannel(name)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%s: %w", name, engine.ErrNoRecord)
	}
	eng := engine.New(db, network.NewState(cfg.Service.Nick), cfg)
	eng.Import([]*store.Channel{c})
	return eng.Info(name)
}

func printInfo(w io.Writer, info *engine.ChannelInfo) {
	fmt.Fprintf(w, "%s\n", info.Name)
	fmt.Fprintf(w, "  created:     %s\n", ago(info.CreatedAt))
	fmt.Fprintf(w, "  last update: %s\n", ago(info.LastUpdate))
	fmt.Fprintf(w, "  records:     %d (high score %d)\n", info.Records, info.HighScore)
	if info.Live {
		fmt.Fprintf(w, "  live:        %d ops, registered %s, eligible %s\n",
			info.Ops, yesNo(info.Registered), yesNo(info.Eligible))
	} else {
		fmt.Fprintf(w, "  live:        not on the network\n")
	}
	if info.FixStarted != nil {
		fmt.Fprintf(w, "  fixing:      since %s, threshold %d\n", ago(*info.FixStarted), info.Threshold)
	}
	if info.FixRequested {
		fmt.Fprintf(w, "  requested:   yes\n")
	}
	if info.Mark != nil {
		fmt.Fprintf(w, "  mark:        %s (%s, %s)\n", info.Mark.Text, info.Mark.Setter, ago(info.Mark.Time))
	}
	if info.NoFix != nil {
		fmt.Fprintf(w, "  nofix:       %s (%s, %s)\n", info.NoFix.Text, info.NoFix.Setter, ago(info.NoFix.Time))
	}
}

// --- scores command ---

var scoresLimit int

var scoresCmd = &cobra.Command{
	Use:   "scores <channel>",
	Short: "List the top op scores for a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Scores []engine.ScoredRecord `json:"scores"`
		}
		path := fmt.Sprintf("%s?limit=%d", client.ChannelPath(args[0], "scores"), scoresLimit)
		if err := newClient().GetJSON(path, &resp); err != nil {
			return err
		}
		printScores(os.Stdout, args[0], resp.Scores)
		return nil
	},
}

func printScores(w io.Writer, channel string, scores []engine.ScoredRecord) {
	if len(scores) == 0 {
		fmt.Fprintf(w, "No scores for %s.\n", channel)
		return
	}
	fmt.Fprintf(w, "%-6s %-40s %s\n", "SCORE", "IDENTITY", "LAST SEEN")
	for _, s := range scores {
		id := s.Key
		if s.Account != "" {
			id = fmt.Sprintf("%s (%s@%s)", s.Account, s.Ident, s.Host)
		}
		fmt.Fprintf(w, "%-6d %-40s %s\n", s.Score, id, ago(s.LastEvent))
	}
}

// --- list command ---

var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List tracked channels matching a wildcard pattern",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/channels"
		if len(args) == 1 {
			path += "?pattern=" + url.QueryEscape(args[0])
		}
		var resp struct {
			Channels []engine.ChannelSummary `json:"channels"`
		}
		if err := newClient().GetJSON(path, &resp); err != nil {
			return err
		}
		printList(os.Stdout, resp.Channels)
		return nil
	},
}

func printList(w io.Writer, channels []engine.ChannelSummary) {
	if len(channels) == 0 {
		fmt.Fprintln(w, "No channels found.")
		return
	}
	for _, c := range channels {
		var flags []string
		if c.Fixing {
			flags = append(flags, "fixing")
		}
		if c.FixRequested {
			flags = append(flags, "requested")
		}
		if c.Marked {
			flags = append(flags, "marked")
		}
		if c.NoFix {
			flags = append(flags, "nofix")
		}
		suffix := ""
		if len(flags) > 0 {
			suffix = " [" + strings.Join(flags, ",") + "]"
		}
		fmt.Fprintf(w, "%-30s %4d records, high %d%s\n", c.Name, c.Records, c.HighScore, suffix)
	}
	fmt.Fprintf(w, "\n%s channels\n", humanize.Comma(int64(len(channels))))
}

func init() {
	fixCmd.Flags().StringVar(&fixAs, "as", "", "Request on behalf of this nick (must be an op in the channel)")
	fixCmd.Flags().BoolVar(&fixElevated, "elevated", false, "With --as, skip the op check")

	for _, c := range []*cobra.Command{markCmd, nofixCmd} {
		c.Flags().StringVar(&noteSetter, "setter", "", "Name recorded as the setter (default $USER)")
		c.Flags().BoolVar(&noteRemove, "remove", false, "Remove instead of set")
	}

	scoresCmd.Flags().IntVarP(&scoresLimit, "limit", "n", 10, "Maximum number of records")
}
