package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/chrissnell/coded/internal/app"
	"github.com/chrissnell/coded/internal/log"
	"github.com/chrissnell/coded/pkg/config"
)

const version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

func main() {
	cfgFile := flag.String("config", "coded.yaml", "Path to configuration source:\n\t\t\t  YAML: coded.yaml\n\t\t\t  SQLite: coded.db\n\t\t\t  Use 'config-convert' tool to convert YAML→SQLite")
	cfgBackend := flag.String("config-backend", "yaml", "Configuration backend type: 'yaml' for YAML files, 'sqlite' for SQLite databases")
	rawPath := flag.String("raw", "", "Path to the raw segment image (msgpack)")
	samplesDB := flag.String("samples-db", "", "SQLite database holding prepared training samples and run history (default: storage.sqlite.path from config)")
	samplesCSV := flag.String("samples-csv", "", "CSV of training points: col,row,year,<class property>[,features...]")
	maskPath := flag.String("mask", "", "Optional forest mask layer (msgpack); derived from the first segment when unset")
	ancillaryPath := flag.String("ancillary", "", "Optional stack of ancillary predictor layers (msgpack)")
	outDir := flag.String("out", "out", "Directory for output layers")
	writeSegments := flag.Bool("write-segments", false, "Also write the long-format segment stack")
	prepTraining := flag.Bool("prep-training", false, "Resolve training sample features, store them in the samples database and exit")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("coded %s\n", version)
		os.Exit(0)
	}

	if *rawPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -raw <segments.msgpack> [-samples-csv <samples.csv> | -samples-db <coded.db>] [options]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	// Set up logging
	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Load configuration
	cfgData, err := loadConfig(*cfgFile, *cfgBackend)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Infof("coded %s starting with %d segments over bands %v", version, cfgData.General.Segments, cfgData.General.ClassBands)

	application := app.New(cfgData, app.Options{
		RawPath:       *rawPath,
		SamplesCSV:    *samplesCSV,
		SamplesDB:     *samplesDB,
		MaskPath:      *maskPath,
		AncillaryPath: *ancillaryPath,
		OutDir:        *outDir,
		PrepTraining:  *prepTraining,
		WriteSegments: *writeSegments,
	}, log.Component("coded"))
	if err := application.Run(context.Background()); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func loadConfig(cfgFile, cfgBackend string) (*config.ConfigData, error) {
	filename, _ := filepath.Abs(cfgFile)

	var provider config.ConfigProvider
	var err error

	switch cfgBackend {
	case "yaml":
		provider = config.NewYAMLProvider(filename)
	case "sqlite":
		provider, err = config.NewSQLiteProvider(filename)
		if err != nil {
			return nil, fmt.Errorf("error creating SQLite provider: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported configuration backend: %s. Use 'yaml' or 'sqlite'", cfgBackend)
	}
	defer provider.Close()

	cfgData, err := provider.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("error reading config file. Did you pass the -config flag? Run with -h for help: %w", err)
	}

	return cfgData, nil
}
