package interpreter

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"cilrun/pkg/metadata"
	"cilrun/pkg/pe"
)

// loadReferences resolves every referenced assembly by simple name against
// the search path, mscorlib first, then transitively resolves the new
// assemblies' own references. The base-library surface is built in, so a
// missing mscorlib on disk is not an error.
func (e *Engine) loadReferences() error {
	if !e.isLoaded("mscorlib") {
		if path := e.probe("mscorlib"); path != "" {
			if err := e.loadAssembly(path); err != nil {
				return err
			}
		} else {
			log.Debug("mscorlib not on disk, using builtin surface")
		}
	}

	// the set grows while walking; plain index iteration keeps it stable
	for i := 0; i < len(e.assemblies); i++ {
		for _, ref := range e.assemblies[i].Refs {
			if ref == "mscorlib" || e.isLoaded(ref) {
				continue
			}
			path := e.probe(ref)
			if path == "" {
				log.Warn("referenced assembly not found", "name", ref)
				continue
			}
			if err := e.loadAssembly(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) isLoaded(name string) bool {
	for _, a := range e.assemblies {
		if a.Name == name {
			return true
		}
	}
	return false
}

// probe searches <search-dir>/<name>.exe, <search-dir>/<name>.dll,
// <cwd>/<name>.exe, <cwd>/<name>.dll, in that order.
func (e *Engine) probe(name string) string {
	cwd, _ := os.Getwd()
	candidates := []string{
		filepath.Join(e.searchDir, name+".exe"),
		filepath.Join(e.searchDir, name+".dll"),
		filepath.Join(cwd, name+".exe"),
		filepath.Join(cwd, name+".dll"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func (e *Engine) loadAssembly(path string) error {
	f, err := pe.Open(path)
	if err != nil {
		return err
	}
	a, err := metadata.Load(f, path)
	if err != nil {
		return err
	}
	e.AddAssembly(a)
	return nil
}

// runTypeInitializers walks every type of every loaded assembly in load
// order and runs each static .cctor exactly once, with no arguments. A
// failing initializer aborts startup.
func (e *Engine) runTypeInitializers() error {
	for _, a := range e.assemblies {
		for _, t := range a.Types {
			for _, m := range t.Methods {
				if m.Name != ".cctor" || !m.IsStatic || e.cctorDone[m] {
					continue
				}
				e.cctorDone[m] = true
				log.Debug("running type initializer", "type", t.FullName())
				if _, err := e.invoke(m, nil); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
