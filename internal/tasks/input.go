// Package tasks runs the map, reduce and write phases of map/reduce jobs
// inside worker processes, and the write phase in clients that finalize
// locally.
package tasks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/nemanja-m/jobwire/internal/records"
	"github.com/nemanja-m/jobwire/pkg/tuple"
)

// EachInput calls fn for every record of the given descriptor input
// entries, in order. Cache objects are fetched through loader.
func EachInput(entries []gjson.Result, loader records.Loader, fn func(records.Record) error) error {
	for _, entry := range entries {
		if err := eachEntry(entry, loader, fn); err != nil {
			return err
		}
	}
	return nil
}

func eachEntry(entry gjson.Result, loader records.Loader, fn func(records.Record) error) error {
	switch {
	case entry.Get("data").Exists():
		return fn(records.DataRecord([]byte(entry.Get("data").String())))

	case entry.Get("key").Exists():
		var key, value tuple.Tuple
		if err := json.Unmarshal([]byte(entry.Get("key").Raw), &key); err != nil {
			return fmt.Errorf("input key: %w", err)
		}
		if v := entry.Get("value"); v.Exists() {
			if err := json.Unmarshal([]byte(v.Raw), &value); err != nil {
				return fmt.Errorf("input value: %w", err)
			}
		}
		return fn(records.KeyValue(key, value))

	case entry.Get("filename").Exists():
		return eachRecord(loader, entry.Get("filename").String(), entry.Get("start").Int(), entry.Get("size").Int(), fn)

	case entry.Get("directory").Exists():
		dir := entry.Get("directory").String()
		files, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if err := eachRecord(loader, filepath.Join(dir, f.Name()), 0, 0, fn); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unrecognized input entry: %s", entry.Raw)
	}
}

func eachRecord(loader records.Loader, name string, start, size int64, fn func(records.Record) error) error {
	in, err := records.Open(loader, name, start, size)
	if err != nil {
		return err
	}
	defer in.Close()

	for r, err := range in.All() {
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// EachFile calls fn for every record of the named files or cache objects.
func EachFile(names []string, loader records.Loader, fn func(records.Record) error) error {
	for _, name := range names {
		if err := eachRecord(loader, name, 0, 0, fn); err != nil {
			return err
		}
	}
	return nil
}
