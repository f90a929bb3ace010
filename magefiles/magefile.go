//go:build mage

// Package main contains Mage build targets for strategy-engine developer tooling.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binDir  = "bin"
	binName = "strategy-engine"
	cmdPkg  = "./cmd/strategy-engine"
	dataDir = "data"
)

// Init creates the data directory the CLI writes its database and exports to.
func Init() error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}
	fmt.Println("  ", dataDir)
	fmt.Println("Project directories initialized.")
	return nil
}

// Build compiles the CLI binary into bin/.
func Build() error {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", binDir, err)
	}
	out := filepath.Join(binDir, binName)
	version, _ := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	if version == "" {
		version = "dev"
	}
	if err := sh.RunV("go", "build", "-ldflags", "-X main.version="+version, "-o", out, cmdPkg); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	fmt.Printf("Built %s\n", out)
	return nil
}

// Test runs the unit tests with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Evolve builds the CLI and runs a decision cycle over every topic.
func Evolve() error {
	mg.Deps(Init, Build)
	return sh.RunV(filepath.Join(binDir, binName), "evolve")
}

// Export builds the CLI and writes the full ledger to data/ledger.yaml.
func Export() error {
	mg.Deps(Init, Build)
	return sh.RunV(filepath.Join(binDir, binName), "ledger", "export", "--output", filepath.Join(dataDir, "ledger.yaml"))
}

// Stats prints project metrics: Go production/test LOC and documentation word count.
func Stats() error {
	prodLines, testLines, err := countGoLines(".")
	if err != nil {
		return err
	}
	docWords, err := countDocWords(".")
	if err != nil {
		return err
	}

	fmt.Printf("Lines of code (Go, production): %d\n", prodLines)
	fmt.Printf("Lines of code (Go, tests):      %d\n", testLines)
	fmt.Printf("Words (documentation):           %d\n", docWords)
	return nil
}

// countGoLines counts non-blank lines in production and test Go files,
// skipping hidden and underscore-prefixed directories.
func countGoLines(root string) (prod, test int, err error) {
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		n := 0
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			if strings.TrimSpace(sc.Text()) != "" {
				n++
			}
		}
		if strings.HasSuffix(path, "_test.go") {
			test += n
		} else {
			prod += n
		}
		return sc.Err()
	})
	return prod, test, err
}

// countDocWords counts words in the top-level Markdown files.
func countDocWords(root string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(root, "*.md"))
	if err != nil {
		return 0, err
	}
	total := 0
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", path, err)
		}
		total += len(strings.Fields(string(data)))
	}
	return total, nil
}
