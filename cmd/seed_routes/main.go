package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xelth-com/etimsgo/internal/config"
	"github.com/xelth-com/etimsgo/internal/database"
	"github.com/xelth-com/etimsgo/internal/logging"
	"github.com/xelth-com/etimsgo/internal/services/routes"
)

func main() {
	file := flag.String("file", "", "YAML route table to import (defaults are seeded when empty)")
	vendor := flag.String("vendor", "", "only print routes of this vendor")
	flag.Parse()

	fmt.Println("🌱 eTims Route Seeder")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		log.Fatalf("❌ Failed to create logger: %v", err)
	}

	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	fmt.Println("✅ Connected to database")

	ctx := context.Background()
	svc := routes.NewService(db.DB)

	var n int
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			log.Fatalf("❌ Failed to open %s: %v", *file, err)
		}
		n, err = svc.ImportYAML(ctx, f)
		f.Close()
		if err != nil {
			log.Fatalf("❌ Import failed: %v", err)
		}
		fmt.Printf("✅ Imported %d routes from %s\n", n, *file)
	} else {
		n, err = svc.SeedDefaults(ctx)
		if err != nil {
			log.Fatalf("❌ Seeding failed: %v", err)
		}
		fmt.Printf("✅ Seeded %d default routes\n", n)
	}

	list, err := svc.List(ctx, *vendor)
	if err != nil {
		log.Fatalf("❌ Failed to list routes: %v", err)
	}
	fmt.Println()
	for _, r := range list {
		fmt.Printf("  %-6s %-24s %-5s %s\n", r.Vendor, r.Operation, r.Method, r.URLPath)
	}
	fmt.Printf("\n📊 %d routes in table\n", len(list))
}
