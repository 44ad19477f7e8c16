package util

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// WriteJson writes a JSON object to a file creating parent directories if required.
// The output JSON is pretty-formatted and the write is atomic: readers observe either
// the previous content or the new content, never a partial file.
func WriteJson(ctx context.Context, file string, obj interface{}) error {
	dir, fileName, err := prepareFileDir(file)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return fmt.Errorf("write json start: %w", ctx.Err())
	}

	// make it pretty
	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return writeBytes(ctx, file, dir, fileName, bs)
}

// writeBytes writes bytes to a file using a temp file in the same directory followed by a rename.
// The temp file is removed on any failure.
func writeBytes(ctx context.Context, file string, dir string, fileName string, bs []byte) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write bytes start: %w", ctx.Err())
	}

	tempFile, err := os.CreateTemp(dir, ".*"+fileName)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tempFileName := tempFile.Name()

	defer func() {
		if _, err := os.Stat(tempFileName); err == nil {
			if err := os.Remove(tempFileName); err != nil {
				log.Warnf("failed to remove temp file %s: %v", tempFileName, err)
			}
		}
	}()

	if _, err := tempFile.Write(bs); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync %s: %w", tempFileName, err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tempFileName, err)
	}

	// Check context again
	if ctx.Err() != nil {
		return fmt.Errorf("after temp file: %w", ctx.Err())
	}

	if err := os.Rename(tempFileName, file); err != nil {
		return fmt.Errorf("move %s to %s: %w", tempFileName, file, err)
	}

	return nil
}

// ReadJson reads JSON file and maps to a provided interface
func ReadJson(file string, res interface{}) (interface{}, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bs, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(bs, &res); err != nil {
		return nil, err
	}

	return res, nil
}

// prepareFileDir creates the parent directory of a file if it is missing.
func prepareFileDir(file string) (string, string, error) {
	dir, fileName := filepath.Split(file)
	if dir == "" {
		return filepath.Dir(file), fileName, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}

	return dir, fileName, nil
}
