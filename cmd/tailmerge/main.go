// Copyright 2026 The Tailmerge Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Program tailmerge merges N sorted-looking text files into one stream,
// printing a ">>> <filename>" header before each maximal run of consecutive
// lines drawn from a single source.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"

	"github.com/creachadair/ctrl"

	"github.com/creachadair/tailmerge/internal/merge"
)

const usage = `Usage: tailmerge file1 [file2 ...]

Merges the named files into a single stream in sort order of full-line
keys, printing a ">>> <filename>" header before each maximal run of
consecutive lines drawn from one source.
`

func main() {
	ctrl.Run(func() error {
		args := os.Args[1:]
		if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
			fmt.Fprint(os.Stderr, usage)
			ctrl.Exitf(64, "no input files")
		}

		d, usedRing, err := merge.New(merge.Config{Filenames: args, OutputFD: int(os.Stdout.Fd())})
		if err != nil {
			fail("open inputs", err)
		}
		if !usedRing {
			log.Print("io_uring unavailable, falling back to blocking reads")
		}

		if err := d.Run(); err != nil {
			fail("merge inputs", err)
		}
		return nil
	})
}

// fail classifies err into the exit-code taxonomy of spec.md §7 and reports
// it through the single propagation path that taxonomy requires, prefixing
// the stderr message with "Failed to <desc>" per spec.md §6.
func fail(desc string, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		ctrl.Exitf(66, "Failed to %s: %v", desc, err)
	case strings.Contains(err.Error(), "invariant:"):
		ctrl.Exitf(70, "Failed to %s: %v", desc, err)
	case strings.Contains(err.Error(), "io_uring_setup") ||
		strings.Contains(err.Error(), "io_uring_register") ||
		strings.Contains(err.Error(), "mmap"):
		ctrl.Exitf(69, "Failed to %s: %v", desc, err)
	default:
		ctrl.Exitf(74, "Failed to %s: %v", desc, err)
	}
}
