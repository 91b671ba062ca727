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

//go:build unix

package merge

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/creachadair/tailmerge/internal/coalescer"
	"github.com/creachadair/tailmerge/internal/source"
)

// runMerge drives a Driver built around a deterministic BlockingReader over
// the given named files, writing to a temp file, and returns the full
// output. Using the blocking reader keeps these tests independent of
// io_uring availability on the machine running them.
func runMerge(t *testing.T, dir string, files map[string]string, order []string) string {
	t.Helper()
	var names []string
	for _, name := range order {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(files[name]), 0o644); err != nil {
			t.Fatalf("WriteFile(%s): %v", path, err)
		}
		names = append(names, path)
	}

	out, err := os.CreateTemp(dir, "merged")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer out.Close()

	r, err := source.NewBlockingReader(names, source.BufferSize)
	if err != nil {
		t.Fatalf("NewBlockingReader: %v", err)
	}
	d := newDriver(r, order, int(out.Fd()), coalescer.DefaultCapacity)
	if err := d.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got, err := io.ReadAll(out)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(got)
}

// TestEndToEndFixture reproduces the literal fixture of spec.md §8: foo.lst
// and bar.lst merged by numeric-looking but lexicographically compared
// lines, with headers on every run change.
func TestEndToEndFixture(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"foo.lst": "1\n2\n3\n4\n5\n6\n",
		"bar.lst": "4\n5\n6\n7\n8\n9\n",
	}
	got := runMerge(t, dir, files, []string{"foo.lst", "bar.lst"})
	want := ">>> foo.lst\n1\n2\n3\n4\n\n>>> bar.lst\n4\n5\n\n>>> foo.lst\n5\n6\n\n>>> bar.lst\n6\n7\n8\n9\n"
	if got != want {
		t.Errorf("merged output =\n%q\nwant\n%q", got, want)
	}
}

// TestSingleSourcePassthrough covers the first Boundary case of spec.md §8:
// one source passes through unchanged save for the single leading header.
func TestSingleSourcePassthrough(t *testing.T) {
	dir := t.TempDir()
	content := "alpha\nbeta\ngamma\n"
	got := runMerge(t, dir, map[string]string{"only.lst": content}, []string{"only.lst"})
	want := ">>> only.lst\n" + content
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestEmptySourceProducesNoHeader covers the second Boundary case: an empty
// source contributes nothing, not even a header, to the merged output.
func TestEmptySourceProducesNoHeader(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"empty.lst": "",
		"full.lst":  "x\ny\n",
	}
	got := runMerge(t, dir, files, []string{"empty.lst", "full.lst"})
	want := ">>> full.lst\nx\ny\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestUnterminatedFinalLineGetsSyntheticNewline covers the third Boundary
// case: a source whose only read lacks a trailing newline emits the byte
// and then a synthetic newline before any follow-on output.
func TestUnterminatedFinalLineGetsSyntheticNewline(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.lst": "1\n2\n3",
		"b.lst": "2\n4\n",
	}
	got := runMerge(t, dir, files, []string{"a.lst", "b.lst"})
	// a's second line ties with b's "2\n": the tie favors a (it most recently
	// offered a candidate). a's unterminated "3" still sorts after b's "2\n",
	// so b's "2\n" comes next; then a's "3" is emitted with its synthetic
	// newline before b's block resumes with "4\n".
	want := ">>> a.lst\n1\n2\n\n>>> b.lst\n2\n\n>>> a.lst\n3\n\n>>> b.lst\n4\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestOverLongLineDiscoveredMidStreamStaysHeapOrdered covers a line that
// turns out to be longer than the per-source buffer, discovered only after
// a line from the same source has already been emitted (as opposed to at
// initial ingestion). It must still be keyed into the heap by its
// buffer-sized prefix and compete against the other source, not bypass the
// heap and stream straight to output.
func TestOverLongLineDiscoveredMidStreamStaysHeapOrdered(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.lst": "1\n" + strings.Repeat("b", 10) + "\n",
		"b.lst": "a\n",
	}
	var names []string
	for _, name := range []string{"a.lst", "b.lst"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(files[name]), 0o644); err != nil {
			t.Fatalf("WriteFile(%s): %v", path, err)
		}
		names = append(names, path)
	}

	out, err := os.CreateTemp(dir, "merged")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer out.Close()

	// A 4-byte buffer is smaller than "bbbbbbbbbb\n", forcing the long line
	// to be discovered only after "1\n" has already been popped and emitted.
	r, err := source.NewBlockingReader(names, 4)
	if err != nil {
		t.Fatalf("NewBlockingReader: %v", err)
	}
	d := newDriver(r, []string{"a.lst", "b.lst"}, int(out.Fd()), coalescer.DefaultCapacity)
	if err := d.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got, err := io.ReadAll(out)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	// "a\n" (from b.lst) sorts between "1\n" and "bbbbbbbbbb\n", so it must
	// surface before the long line completes, even though the long line's
	// first chunk is read before b.lst is ever revisited.
	want := ">>> a.lst\n1\n\n>>> b.lst\na\n\n>>> a.lst\n" + strings.Repeat("b", 10) + "\n"
	if string(got) != want {
		t.Errorf("merged output =\n%q\nwant\n%q", got, want)
	}
}

// TestPerSourceOrderPreserved checks invariant 4 of spec.md §8 directly: for
// each source, its lines appear in the output in their original order.
func TestPerSourceOrderPreserved(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"one.lst": "a\nc\ne\ng\n",
		"two.lst": "b\nd\nf\nh\n",
	}
	got := runMerge(t, dir, files, []string{"one.lst", "two.lst"})
	want := ">>> one.lst\na\n\n>>> two.lst\nb\n\n>>> one.lst\nc\n\n>>> two.lst\nd\n\n" +
		">>> one.lst\ne\n\n>>> two.lst\nf\n\n>>> one.lst\ng\n\n>>> two.lst\nh\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
