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

// Program heaptest drives internal/heap.Harness from argv, the development
// test interface of spec.md §6: each argument (or a single comma-joined
// argument) is a token stream of literal key bytes interspersed with ','
// (push) and '-' (pop), and remaining entries are popped at the end.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/creachadair/ctrl"

	"github.com/creachadair/tailmerge/internal/heap"
)

func main() {
	ctrl.Run(func() error {
		args := os.Args[1:]
		if len(args) == 0 {
			ctrl.Exitf(64, "usage: heaptest <tokens> [<tokens> ...]")
		}
		joined := strings.Join(args, "")
		h := heap.NewHarness(len(joined))
		for _, tok := range args {
			if err := h.Feed(tok); err != nil {
				ctrl.Exitf(70, "feed: %v", err)
			}
		}
		if err := h.Finish(); err != nil {
			ctrl.Exitf(70, "finish: %v", err)
		}
		for _, r := range h.Reports {
			fmt.Printf("%d\t%s\n", r.Value, r.Key)
		}
		return nil
	})
}
