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

package source_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/creachadair/tailmerge/internal/frame"
	"github.com/creachadair/tailmerge/internal/source"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
	return path
}

// readAllLines drives a BlockingReader for a single source end to end with a
// deliberately small buffer, reassembling the original content from
// multiple loans and carries to check nothing is lost or duplicated.
func readAllLines(t *testing.T, path string, bufSize int) string {
	t.Helper()
	r, err := source.NewBlockingReader([]string{path}, bufSize)
	if err != nil {
		t.Fatalf("NewBlockingReader: %v", err)
	}
	defer r.CloseAll()

	if err := r.RequestRead(0); err != nil {
		t.Fatalf("RequestRead: %v", err)
	}
	var out []byte
	for {
		loan, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if loan.EOF {
			break
		}
		c := frame.New(loan.Data)
		for {
			line, ok := c.Next()
			if !ok {
				break
			}
			out = append(out, line.Data...)
		}
		carry := c.CarryLen()
		out = append(out, c.Remaining()...)
		if err := r.ReturnLoan(0, carry); err != nil {
			t.Fatalf("ReturnLoan: %v", err)
		}
		// Undo the speculative append of the carry bytes: they'll be
		// re-emitted as part of a future loan's Data, so strip them back off.
		// The strip is unconditional, so a final unterminated fragment is not
		// included in the result.
		out = out[:len(out)-carry]
		if err := r.RequestRead(0); err != nil {
			t.Fatalf("RequestRead: %v", err)
		}
	}
	return string(out)
}

func TestBlockingReaderReassemblesContent(t *testing.T) {
	dir := t.TempDir()
	content := "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n"
	path := writeTemp(t, dir, "nums.lst", content)

	// A buffer far smaller than the content forces many read/carry cycles.
	got := readAllLines(t, path, 4)
	if got != content {
		t.Errorf("reassembled = %q, want %q", got, content)
	}
}

func TestBlockingReaderUnterminatedFinalLine(t *testing.T) {
	dir := t.TempDir()
	content := "a\nb\nc"
	path := writeTemp(t, dir, "partial.lst", content)

	r, err := source.NewBlockingReader([]string{path}, 64)
	if err != nil {
		t.Fatalf("NewBlockingReader: %v", err)
	}
	defer r.CloseAll()

	if err := r.RequestRead(0); err != nil {
		t.Fatal(err)
	}
	loan, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if string(loan.Data) != content {
		t.Fatalf("Data = %q, want %q", loan.Data, content)
	}
	c := frame.New(loan.Data)
	var lines []string
	for {
		l, ok := c.Next()
		if !ok {
			break
		}
		lines = append(lines, string(l.Data))
	}
	if len(lines) != 2 || lines[0] != "a\n" || lines[1] != "b\n" {
		t.Fatalf("lines = %v, want [a\\n b\\n]", lines)
	}
	if got := string(c.Remaining()); got != "c" {
		t.Fatalf("Remaining() = %q, want %q", got, "c")
	}
}

func TestBlockingReaderEmptySource(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "empty.lst", "")

	r, err := source.NewBlockingReader([]string{path}, 64)
	if err != nil {
		t.Fatalf("NewBlockingReader: %v", err)
	}
	defer r.CloseAll()

	if err := r.RequestRead(0); err != nil {
		t.Fatal(err)
	}
	loan, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !loan.EOF {
		t.Errorf("loan.EOF = false for an empty source, want true")
	}
}

func TestBlockingReaderOpenFailure(t *testing.T) {
	_, err := source.NewBlockingReader([]string{filepath.Join(t.TempDir(), "missing.lst")}, 64)
	if err == nil {
		t.Fatal("NewBlockingReader on a missing file succeeded, want error")
	}
}

func TestBlockingReaderLoanDiscipline(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "x.lst", "1\n2\n")
	r, err := source.NewBlockingReader([]string{path}, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer r.CloseAll()

	if err := r.RequestRead(0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	// A second request while the loan is outstanding must be rejected
	// (spec.md §8 invariant 6, "at most one loan per source outstanding").
	if err := r.RequestRead(0); err == nil {
		t.Fatal("RequestRead succeeded while a loan was outstanding, want error")
	}
}
