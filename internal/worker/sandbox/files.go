package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"campus-compute/pkg/model"
)

// maxOutputFiles caps how many artifacts one job can hand back, so a
// runaway script writing thousands of small files can't blow out the
// result payload.
const maxOutputFiles = 64

func collectOutputFiles(dir string) ([]model.ResultFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read output dir: %w", err)
	}

	var files []model.ResultFile
	for _, entry := range entries {
		if entry.IsDir() || len(files) >= maxOutputFiles {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("sandbox: read output file %s: %w", entry.Name(), err)
		}
		files = append(files, model.ResultFile{Name: entry.Name(), Bytes: data})
	}
	return files, nil
}
