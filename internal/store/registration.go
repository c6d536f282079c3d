package store

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LoadRegistration reads a validity registration as printed by
// `nix-store --dump-db` (and shipped as the "registration" file of a
// closureInfo build) into an in-memory store. Each block is
//
//	path
//	hash        (optional)
//	nar size    (optional, present with hash)
//	deriver     (may be empty)
//	reference count
//	reference...
func LoadRegistration(r io.Reader, dir string) (*MemoryStore, error) {
	s := NewMemoryStore(dir)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	next := func() (string, bool) {
		if !scanner.Scan() {
			return "", false
		}
		lineNo++
		return scanner.Text(), true
	}

	type block struct {
		path StorePath
		refs []StorePath
	}
	var blocks []block

	for {
		path, ok := next()
		if !ok {
			break
		}
		if path == "" {
			continue
		}
		if _, ok := EntryPath(s.dir, path); !ok {
			return nil, fmt.Errorf("registration line %d: %q is not in %s", lineNo, path, s.dir)
		}

		line, ok := next()
		if !ok {
			return nil, fmt.Errorf("registration line %d: truncated block for %s", lineNo, path)
		}
		if line != "" && !strings.HasPrefix(line, "/") {
			// Hash present; skip it and the NAR size.
			if _, ok := next(); !ok {
				return nil, fmt.Errorf("registration line %d: missing nar size for %s", lineNo, path)
			}
			if _, ok := next(); !ok {
				return nil, fmt.Errorf("registration line %d: missing deriver for %s", lineNo, path)
			}
		}

		countLine, ok := next()
		if !ok {
			return nil, fmt.Errorf("registration line %d: missing reference count for %s", lineNo, path)
		}
		count, err := strconv.Atoi(strings.TrimSpace(countLine))
		if err != nil || count < 0 {
			return nil, fmt.Errorf("registration line %d: invalid reference count %q", lineNo, countLine)
		}

		b := block{path: StorePath(path)}
		for i := 0; i < count; i++ {
			ref, ok := next()
			if !ok {
				return nil, fmt.Errorf("registration line %d: expected %d references for %s", lineNo, count, path)
			}
			b.refs = append(b.refs, StorePath(ref))
		}
		blocks = append(blocks, b)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading registration: %w", err)
	}

	for _, b := range blocks {
		s.Add(b.path, b.refs...)
	}
	return s, nil
}
