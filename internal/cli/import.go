package cli

import (
	"fmt"
	"os"

	"github.com/lazypower/chanfix/internal/config"
	"github.com/lazypower/chanfix/internal/engine"
	"github.com/lazypower/chanfix/internal/legacy"
	"github.com/lazypower/chanfix/internal/network"
	"github.com/lazypower/chanfix/internal/store"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import channels from a legacy flat-file database",
	Long: "Read a legacy chanfix database and write its channels into the SQLite store.\n" +
		"Channels already in the store are replaced. Stop the server first; it only\n" +
		"reads the store at startup.",
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	res, err := legacy.ParseFile(args[0])
	if err != nil {
		return err
	}
	if res.Skipped > 0 {
		fmt.Fprintf(os.Stderr, "warning: skipped %d malformed lines\n", res.Skipped)
	}

	if newClient().Healthy() {
		fmt.Fprintln(os.Stderr, "warning: a chanfix server is running; restart it to pick up the import")
	}

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	eng := engine.New(db, network.NewState(cfg.Service.Nick), cfg)
	if err := eng.Load(); err != nil {
		return err
	}
	n := eng.Import(res.Channels)
	if err := eng.Flush(); err != nil {
		return fmt.Errorf("save imported channels: %w", err)
	}

	fmt.Printf("Imported %d channels (%d op records) from %s.\n", n, res.Records, args[0])
	return nil
}

// openDB is a helper that opens the database for CLI commands.
func openDB(cfg config.Config) (*store.DB, error) {
	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return nil, err
	}
	return store.Open(dbPath)
}
