package replaycatalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"campfire/engine/internal/replay"
)

// Entry captures a replay header alongside the bundle directory it lives in.
type Entry struct {
	HeaderPath string        `json:"header_path"`
	BundlePath string        `json:"bundle_path"`
	DataPath   string        `json:"data_path"`
	Header     replay.Header `json:"header"`
}

// List walks the directory tree and returns parsed replay headers.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Walk the directory tree searching for bundle headers.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != "header.json" {
			return nil
		}
		header, err := replay.ReadHeader(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		bundle := filepath.Dir(path)
		data := header.FilePointer
		if !filepath.IsAbs(data) {
			data = filepath.Join(bundle, data)
		}
		entries = append(entries, Entry{HeaderPath: path, BundlePath: bundle, DataPath: data, Header: header})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Header.RunID == entries[j].Header.RunID {
			return entries[i].BundlePath < entries[j].BundlePath
		}
		return entries[i].Header.RunID < entries[j].Header.RunID
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
