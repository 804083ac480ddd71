package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/jaywantadh/DedupVault/config"
	"github.com/jaywantadh/DedupVault/internal/blobstore"
	"github.com/jaywantadh/DedupVault/internal/dedup"
	"github.com/jaywantadh/DedupVault/internal/registry"
	"github.com/jaywantadh/DedupVault/pkg/env"
	"github.com/jaywantadh/DedupVault/pkg/httpserver"
	"github.com/jaywantadh/DedupVault/pkg/logging"
	"github.com/urfave/cli/v2"
)

func openEngine() (*dedup.Engine, error) {
	cfg := config.Config
	parallelism := 0
	if cfg.ParallelismRatio > 0 {
		parallelism = runtime.NumCPU() / cfg.ParallelismRatio
	}
	return dedup.Open(cfg.StoragePath, cfg.DBPath, &dedup.Options{
		Parallelism: parallelism,
		Blobs: &blobstore.Options{
			CompressionEnabled:   cfg.CompressionEnabled,
			CompressionThreshold: cfg.CompressionThreshold,
		},
	})
}

func main() {

	env.LoadEnv()
	logging.InitLogger(env.GetEnv("DEBUG", "") == "true")
	config.LoadConfig(".")

	app := &cli.App{
		Name:  "DedupVault",
		Usage: "Content-addressed deduplicating file storage",
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Start the DedupVault API server",
				Action: func(c *cli.Context) error {
					engine, err := openEngine()
					if err != nil {
						return err
					}
					defer engine.Close()

					logging.Log.Info("🚀 DedupVault node started")
					if _, err := engine.Audit(dedup.AuditVerify); err != nil {
						logging.Log.Warnf("⚠️ Startup audit failed: %v", err)
					}
					return httpserver.New(engine).Listen(config.Config.Port)
				},
			},
			{
				Name:      "upload",
				Usage:     "Upload a file",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return fmt.Errorf("usage: upload <path>")
					}
					engine, err := openEngine()
					if err != nil {
						return err
					}
					defer engine.Close()

					file, err := os.Open(c.Args().First())
					if err != nil {
						return err
					}
					defer file.Close()

					result, err := engine.Upload(context.Background(), filepath.Base(c.Args().First()), "application/octet-stream", file)
					if err != nil {
						return err
					}
					if result.Canonical {
						fmt.Printf("✅ Stored %s (new content %s)\n", result.EntryID, result.Digest)
					} else {
						fmt.Printf("🔄 Stored %s (duplicate of %s)\n", result.EntryID, result.Digest)
					}
					return nil
				},
			},
			{
				Name:      "get",
				Usage:     "Download an entry's content to stdout or a file",
				ArgsUsage: "<entry-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write to file instead of stdout"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return fmt.Errorf("usage: get <entry-id>")
					}
					id, err := uuid.Parse(c.Args().First())
					if err != nil {
						return fmt.Errorf("invalid entry id: %v", err)
					}
					engine, err := openEngine()
					if err != nil {
						return err
					}
					defer engine.Close()

					rc, _, err := engine.GetContent(id)
					if err != nil {
						return err
					}
					defer rc.Close()

					var out io.Writer = os.Stdout
					if path := c.String("output"); path != "" {
						f, err := os.Create(path)
						if err != nil {
							return err
						}
						defer f.Close()
						out = f
					}
					_, err = io.Copy(out, rc)
					return err
				},
			},
			{
				Name:  "list",
				Usage: "List entries",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "duplicates", Value: "exclude", Usage: "exclude, include or only"},
					&cli.StringFlag{Name: "type", Usage: "filter by content type"},
					&cli.StringFlag{Name: "name", Usage: "filter by name substring"},
				},
				Action: func(c *cli.Context) error {
					engine, err := openEngine()
					if err != nil {
						return err
					}
					defer engine.Close()

					filter := registry.Filter{
						NameContains: c.String("name"),
						ContentType:  c.String("type"),
					}
					switch c.String("duplicates") {
					case "include":
						filter.Duplicates = registry.IncludeDuplicates
					case "only":
						filter.Duplicates = registry.OnlyDuplicates
					}

					entries, err := engine.List(filter, registry.Sort{})
					if err != nil {
						return err
					}
					for _, e := range entries {
						role := "canonical"
						if e.IsDuplicate {
							role = "duplicate"
						}
						fmt.Printf("%s  %-9s  %10d  %s  %s\n", e.ID, role, e.Size, e.UploadedAt.Format("2006-01-02 15:04:05"), e.Name)
					}
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete an entry",
				ArgsUsage: "<entry-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "confirmed", Usage: "confirm deletion of a canonical entry with duplicates"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return fmt.Errorf("usage: delete <entry-id>")
					}
					id, err := uuid.Parse(c.Args().First())
					if err != nil {
						return fmt.Errorf("invalid entry id: %v", err)
					}
					engine, err := openEngine()
					if err != nil {
						return err
					}
					defer engine.Close()

					if err := engine.Delete(id, c.Bool("confirmed")); err != nil {
						return err
					}
					fmt.Println("🗑️ Deleted", id)
					return nil
				},
			},
			{
				Name:  "stats",
				Usage: "Show storage statistics",
				Action: func(c *cli.Context) error {
					engine, err := openEngine()
					if err != nil {
						return err
					}
					defer engine.Close()

					stats, err := engine.Stats()
					if err != nil {
						return err
					}
					fmt.Printf("Total entries:     %d\n", stats.TotalEntries)
					fmt.Printf("Unique entries:    %d\n", stats.UniqueEntries)
					fmt.Printf("Duplicate entries: %d\n", stats.DuplicateEntries)
					fmt.Printf("Physical storage:  %d bytes\n", stats.PhysicalBytes)
					fmt.Printf("Logical storage:   %d bytes\n", stats.LogicalBytes)
					fmt.Printf("Storage saved:     %d bytes (%.2f%%)\n", stats.SavedBytes, stats.SavedPct)
					if stats.DedupRatio > 0 {
						fmt.Printf("Dedup ratio:       %.2fx\n", stats.DedupRatio)
					}
					return nil
				},
			},
			{
				Name:  "audit",
				Usage: "Run an integrity audit",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mode", Value: "verify", Usage: "verify or rebuild"},
				},
				Action: func(c *cli.Context) error {
					engine, err := openEngine()
					if err != nil {
						return err
					}
					defer engine.Close()

					report, err := engine.Audit(dedup.AuditMode(c.String("mode")))
					if err != nil {
						return err
					}
					fmt.Printf("Scanned %d entries, %d references, %d blobs\n", report.EntriesScanned, report.ReferencesScanned, report.BlobsScanned)
					fmt.Printf("Repairs: %d (promoted %d, demoted %d, refs created %d, rewired %d, dangling removed %d, index %d, refcount %d, orphan blobs %d)\n",
						report.Repairs(), report.Promoted, report.Demoted, report.RefsCreated, report.RefsRewired, report.DanglingRefs, report.IndexRepairs, report.RefCountFixes, report.OrphanBlobs)
					if report.MissingBlobs > 0 {
						fmt.Printf("❌ %d entries reference missing blobs\n", report.MissingBlobs)
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}
