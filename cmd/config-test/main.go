package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/chrissnell/coded/pkg/config"
)

func main() {
	var (
		yamlFile   = flag.String("yaml", "", "Path to YAML configuration file")
		sqliteFile = flag.String("sqlite", "", "Path to SQLite configuration file")
	)
	flag.Parse()

	if *yamlFile == "" || *sqliteFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -yaml <coded.yaml> -sqlite <coded.db>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("Configuration Comparison Test")
	fmt.Println("===========================")

	// Load YAML configuration
	fmt.Printf("Loading YAML configuration: %s\n", *yamlFile)
	yamlConfig, err := config.NewYAMLProvider(*yamlFile).LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading YAML config: %v\n", err)
		os.Exit(1)
	}

	// Load SQLite configuration
	fmt.Printf("Loading SQLite configuration: %s\n", *sqliteFile)
	sqliteProvider, err := config.NewSQLiteProvider(*sqliteFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating SQLite provider: %v\n", err)
		os.Exit(1)
	}
	defer sqliteProvider.Close()

	sqliteConfig, err := sqliteProvider.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading SQLite config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nComparison Results:")
	fmt.Println("==================")

	// Floats pass through REAL columns, so compare them with a tolerance.
	opts := cmp.Options{
		cmpopts.EquateApprox(0, 0.000001),
		cmpopts.EquateEmpty(),
	}
	sections := []struct {
		name         string
		yaml, sqlite any
	}{
		{"General", yamlConfig.General, sqliteConfig.General},
		{"Change detection", yamlConfig.ChangeDetection, sqliteConfig.ChangeDetection},
		{"Classification", yamlConfig.Classification, sqliteConfig.Classification},
		{"Storage", yamlConfig.Storage, sqliteConfig.Storage},
	}
	mismatches := 0
	for _, s := range sections {
		if diff := cmp.Diff(s.yaml, s.sqlite, opts); diff != "" {
			fmt.Printf("✗ %s configuration differs (-yaml +sqlite):\n%s\n", s.name, diff)
			mismatches++
		} else {
			fmt.Printf("✓ %s configuration matches\n", s.name)
		}
	}

	fmt.Println("\nTest completed!")
	if mismatches > 0 {
		os.Exit(1)
	}
}
