package launcher

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"cilrun/internal/config"
	"cilrun/internal/logger"
	"cilrun/pkg/color"
	"cilrun/pkg/interpreter"
	"cilrun/pkg/metadata"
	"cilrun/pkg/pe"
)

// Launcher carries the resolved command-line options and drives one run:
// parse the image, build the engine, start it, optionally dump a snapshot.
type Launcher struct {
	Help         bool   // Show help message
	Verbose      bool   // Enable verbose output
	NoColor      bool   // Disable colored output
	Trace        bool   // Log every dispatched opcode
	SearchDir    string // Assembly search directory
	ConfigFile   string // Optional TOML config path
	SnapshotFile string // Optional post-run CBOR state dump
	AssemblyFile string // Path to the main assembly
	Args         []string
}

// Run executes the assembly and returns the first fatal error.
func (l *Launcher) Run() error {
	cfg, err := config.Load(l.ConfigFile)
	if err != nil {
		return err
	}
	l.merge(cfg)
	logger.Init(l.Verbose, l.NoColor)
	if l.NoColor {
		color.EnableColor(false)
	}

	log.Info("loading assembly", "file", l.AssemblyFile)
	f, err := pe.Open(l.AssemblyFile)
	if err != nil {
		return fmt.Errorf("loading %s: %w", l.AssemblyFile, err)
	}
	asm, err := metadata.Load(f, l.AssemblyFile)
	if err != nil {
		return fmt.Errorf("reading metadata of %s: %w", l.AssemblyFile, err)
	}

	opts := []interpreter.Option{
		interpreter.WithTrace(l.Trace),
	}
	if cfg.MaxDepth > 0 {
		opts = append(opts, interpreter.WithMaxDepth(cfg.MaxDepth))
	}
	if cfg.MaxSteps > 0 {
		opts = append(opts, interpreter.WithMaxSteps(cfg.MaxSteps))
	}

	engine, err := interpreter.New(asm, l.SearchDir, opts...)
	if err != nil {
		return err
	}

	if err := engine.Start(l.Args); err != nil {
		return err
	}

	if l.SnapshotFile != "" {
		if err := l.writeSnapshot(engine); err != nil {
			return err
		}
	}
	return nil
}

func (l *Launcher) merge(cfg *config.Config) {
	if l.SearchDir == "" {
		l.SearchDir = cfg.SearchDir
	}
	if l.SearchDir == "" {
		l.SearchDir = filepath.Dir(l.AssemblyFile)
	}
	if l.SnapshotFile == "" {
		l.SnapshotFile = cfg.Snapshot
	}
	l.Verbose = l.Verbose || cfg.Verbose
	l.NoColor = l.NoColor || cfg.NoColor
	l.Trace = l.Trace || cfg.Trace
}

func (l *Launcher) writeSnapshot(engine *interpreter.Engine) error {
	out, err := os.Create(l.SnapshotFile)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer out.Close()

	if err := engine.WriteSnapshot(out); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	log.Info("wrote engine state snapshot", "file", l.SnapshotFile)
	return nil
}
