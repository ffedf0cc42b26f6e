// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// copyright_header adds the license header to the Go source files that miss it, or with -check only lists them.
//
// Test files, generated files (gen_*.go) and directories starting with "." or "_" are skipped.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagProject = flag.String("project", "GoMLX", "Project name to use in the copyright header")
	flagCheck   = flag.Bool("check", false, "Only list files missing the header, and exit with status 1 if there are any")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [path ...]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	roots := flag.Args()
	if len(roots) == 0 {
		roots = []string{"."}
	}
	header := Header(*flagProject)
	var missing []string
	for _, root := range roots {
		files, err := SourceFiles(root)
		if err != nil {
			klog.Fatalf("%+v", err)
		}
		for _, path := range files {
			content, err := os.ReadFile(path)
			if err != nil {
				klog.Fatalf("%+v", errors.Wrapf(err, "reading %q", path))
			}
			updated, changed := AddHeader(content, header)
			if !changed {
				continue
			}
			missing = append(missing, path)
			if *flagCheck {
				fmt.Println(path)
				continue
			}
			klog.Infof("adding header to %s", path)
			if err := os.WriteFile(path, updated, 0644); err != nil {
				klog.Fatalf("%+v", errors.Wrapf(err, "writing %q", path))
			}
		}
	}
	if *flagCheck && len(missing) > 0 {
		os.Exit(1)
	}
}

// Header returns the license header line for the project.
func Header(project string) string {
	return fmt.Sprintf("// Copyright 2023-2026 The %s Authors. SPDX-License-Identifier: Apache-2.0", project)
}

// SourceFiles lists the non-test, non-generated Go files under root.
func SourceFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") || strings.HasPrefix(name, "gen_") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %q", root)
	}
	return files, nil
}

// AddHeader returns content with the header inserted, and whether it was missing.
// Build constraints stay at the top, followed by an empty line and the header.
func AddHeader(content []byte, header string) ([]byte, bool) {
	lines := strings.Split(string(content), "\n")
	lastBuildTag := -1
	for i, line := range lines {
		if i > 50 {
			break
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "// Copyright") {
			return content, false
		}
		if strings.HasPrefix(trimmed, "//go:build") || strings.HasPrefix(trimmed, "// +build") {
			lastBuildTag = i
		}
	}
	if lastBuildTag == -1 {
		return []byte(header + "\n\n" + string(content)), true
	}
	prefix := strings.Join(lines[:lastBuildTag+1], "\n")
	suffix := strings.TrimLeft(strings.Join(lines[lastBuildTag+1:], "\n"), "\n")
	return []byte(prefix + "\n\n" + header + "\n\n" + suffix), true
}
