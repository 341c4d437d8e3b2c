package ingest

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LoadEntities reads one entity identifier per line. Blank lines and lines
// starting with # are skipped. The file is never modified.
func LoadEntities(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open entity list: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read entity list: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("entity list %s is empty", path)
	}
	return ids, nil
}

// NewRunID returns <source>_<yyyymmdd_hhmmss UTC>_<8 hex chars>.
func NewRunID(source string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", source, now.UTC().Format("20060102_150405"), suffix)
}
