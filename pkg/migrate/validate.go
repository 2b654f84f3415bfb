package migrate

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

const (
	annotationUp        = "-- +goose Up"
	annotationDown      = "-- +goose Down"
	annotationStmtBegin = "-- +goose StatementBegin"
	annotationStmtEnd   = "-- +goose StatementEnd"
)

// ValidateDir checks the migrations in dir on disk.
func ValidateDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("dir is required")
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}
	_, err := ValidateFS(os.DirFS(dir))
	return err
}

// ValidateFS checks filenames, version uniqueness and goose annotations for
// every .sql file at the root of fsys. It returns the versions in order.
func ValidateFS(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := map[string]string{}
	versions := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		version := m[1]
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %s in %q and %q", version, prev, name)
		}
		seen[version] = name
		versions = append(versions, version)

		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", name, err)
		}
		if err := checkAnnotations(string(data)); err != nil {
			return nil, fmt.Errorf("migration %q: %w", name, err)
		}
	}

	sort.Strings(versions)
	return versions, nil
}

// checkAnnotations requires one Up section ahead of one Down section and
// balanced, non-nested statement blocks inside them.
func checkAnnotations(sql string) error {
	var upLine, downLine, openBlock int
	scanner := bufio.NewScanner(strings.NewReader(sql))
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, annotationUp):
			if upLine != 0 {
				return fmt.Errorf("line %d: second %q", lineNo, annotationUp)
			}
			upLine = lineNo
		case strings.HasPrefix(line, annotationDown):
			if downLine != 0 {
				return fmt.Errorf("line %d: second %q", lineNo, annotationDown)
			}
			if openBlock != 0 {
				return fmt.Errorf("line %d: %q inside an open statement block", lineNo, annotationDown)
			}
			downLine = lineNo
		case strings.HasPrefix(line, annotationStmtBegin):
			if upLine == 0 {
				return fmt.Errorf("line %d: statement block before %q", lineNo, annotationUp)
			}
			if openBlock != 0 {
				return fmt.Errorf("line %d: nested statement block (opened at line %d)", lineNo, openBlock)
			}
			openBlock = lineNo
		case strings.HasPrefix(line, annotationStmtEnd):
			if openBlock == 0 {
				return fmt.Errorf("line %d: %q without a matching begin", lineNo, annotationStmtEnd)
			}
			openBlock = 0
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	switch {
	case upLine == 0:
		return fmt.Errorf("missing %q", annotationUp)
	case downLine == 0:
		return fmt.Errorf("missing %q", annotationDown)
	case downLine < upLine:
		return fmt.Errorf("%q must come before %q", annotationUp, annotationDown)
	case openBlock != 0:
		return fmt.Errorf("statement block opened at line %d is never closed", openBlock)
	}
	return nil
}
