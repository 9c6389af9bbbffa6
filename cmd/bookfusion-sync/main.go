package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/BookFusion/calibre-plugin/pkg/bookfusion"
	"github.com/BookFusion/calibre-plugin/pkg/calibre"
	"github.com/BookFusion/calibre-plugin/pkg/config"
	"github.com/BookFusion/calibre-plugin/pkg/library"
	"github.com/BookFusion/calibre-plugin/pkg/syncer"
	"github.com/BookFusion/calibre-plugin/pkg/version"
	"github.com/google/uuid"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
	"github.com/urfave/cli/v2"
)

func main() {
	log := logger.New()

	app := &cli.App{
		Name:    "bookfusion-sync",
		Usage:   "sync a Calibre library to BookFusion",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML config file",
				Value: config.DefaultConfigPath(),
			},
			&cli.StringFlag{
				Name:  "library",
				Usage: "path to the Calibre library directory",
			},
			&cli.IntFlag{
				Name:  "threads",
				Usage: "number of concurrent upload workers",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "sync books to BookFusion",
				Flags: []cli.Flag{
					&cli.Int64SliceFlag{
						Name:  "id",
						Usage: "sync only these book ids (repeatable)",
					},
					&cli.BoolFlag{
						Name:  "reupload",
						Usage: "re-send file bytes even when the remote copy is current",
					},
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "continue past account limit warnings without prompting",
					},
				},
				Action: func(c *cli.Context) error {
					return runSync(c, log)
				},
			},
			{
				Name:  "check",
				Usage: "report which books would sync, without uploading",
				Action: func(c *cli.Context) error {
					return runCheck(c, log)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Err(err).Fatal("sync failed")
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if path := c.String("library"); path != "" {
		cfg.LibraryPath = path
	}
	if threads := c.Int("threads"); threads > 0 {
		cfg.Threads = threads
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSync(c *cli.Context, log logger.Logger) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if cfg.Debug {
		log = logger.NewWithLevel("debug")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	log = log.Data(logger.Data{"sync_id": id.String(), "library": cfg.LibraryPath})
	ctx := log.WithContext(context.Background())

	db, err := calibre.Open(cfg.LibraryPath)
	if err != nil {
		return err
	}
	defer db.Close()
	view := calibre.NewView(db, cfg.LibraryPath)

	runLog, err := newRunLog(cfg.ResolvedLogFile())
	if err != nil {
		return err
	}
	defer runLog.Close()

	printer := &eventPrinter{view: view, ctx: ctx, runLog: runLog}
	coordinator := syncer.New(cfg, view, bookfusion.New(cfg.APIBase, cfg.APIKey), printer)

	graceful := signals.Setup()
	go func() {
		<-graceful
		log.Info("cancel requested")
		coordinator.Cancel()
	}()

	opts := syncer.Options{
		BookIDs:  bookIDs(c.Int64Slice("id")),
		Reupload: c.Bool("reupload"),
		Confirm:  confirmPrompt(c.Bool("yes")),
	}

	runLog.Printf("start sync: ids=%v reupload=%v", opts.BookIDs, opts.Reupload)
	return coordinator.Run(ctx, opts)
}

func runCheck(c *cli.Context, log logger.Logger) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := log.WithContext(context.Background())

	db, err := calibre.Open(cfg.LibraryPath)
	if err != nil {
		return err
	}
	defer db.Close()
	view := calibre.NewView(db, cfg.LibraryPath)

	client := bookfusion.New(cfg.APIBase, cfg.APIKey)
	limits, err := client.Limits(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("limits: filesize=%d total_books=%d\n", limits.Filesize, limits.TotalBooks)

	ids, err := view.ListBookIDs(ctx)
	if err != nil {
		return err
	}

	syncable := 0
	for _, id := range ids {
		file, err := library.ResolveFormatFile(ctx, view, id)
		if err != nil {
			fmt.Printf("book %d: unsupported\n", id)
			continue
		}
		syncable++
		fmt.Printf("book %d: %s (%s)\n", id, file.Path, file.Format)
	}
	fmt.Printf("%d of %d books would sync\n", syncable, len(ids))
	return nil
}

func bookIDs(raw []int64) []library.BookID {
	ids := make([]library.BookID, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, library.BookID(id))
	}
	return ids
}

// confirmPrompt asks on stdin before truncating past an account limit,
// unless --yes was given.
func confirmPrompt(auto bool) func(limits bookfusion.Limits, count int) bool {
	return func(limits bookfusion.Limits, count int) bool {
		if auto {
			return true
		}
		fmt.Println(limits.Message)
		fmt.Print("Continue? [Y/n] ")
		reader := bufio.NewReader(os.Stdin)
		answer, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "" || answer == "y" || answer == "yes"
	}
}
