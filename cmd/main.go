package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"cilrun/internal/launcher"
	"cilrun/internal/logger"
	"cilrun/pkg/color"
)

// Main entry point for the cilrun interpreter.
func main() {
	options := launcher.Launcher{}

	flag.BoolVar(&options.Help, "h", false, "Show help")
	flag.BoolVar(&options.Verbose, "v", false, "Verbose mode")
	flag.BoolVar(&options.NoColor, "n", false, "No color")
	flag.BoolVar(&options.Trace, "t", false, "Trace every opcode")
	flag.StringVar(&options.SearchDir, "d", "", "Assembly search directory (default: assembly's directory)")
	flag.StringVar(&options.ConfigFile, "f", "", "TOML config file")
	flag.StringVar(&options.SnapshotFile, "s", "", "Write a post-run CBOR state snapshot")

	flag.Parse()
	args := flag.Args()

	logger.Init(options.Verbose, options.NoColor)
	if options.Help {
		fmt.Printf("Usage: %s [options] <assembly> [program args]\n", os.Args[0])
		fmt.Println("Options:")
		flag.PrintDefaults()
		return
	}

	if options.NoColor {
		color.EnableColor(false)
	}

	if len(args) == 0 {
		log.Fatal("No input assembly provided", "help", fmt.Sprintf("%s -h", os.Args[0]))
	}

	options.AssemblyFile = args[0]
	options.Args = args[1:]

	if err := options.Run(); err != nil {
		log.Error("run failed", "error", err)
		os.Exit(1)
	}
}
