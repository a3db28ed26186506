package zfscatalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

type DatasetEntry struct {
	FullPath   string // "tank/a@s1"
	ParentPath string // "tank"
}

// name of the entry as seen from inside its parent
func (d DatasetEntry) Name() string {
	return strings.TrimPrefix(d.FullPath, d.ParentPath+"/")
}

// lists datasets and snapshots whose parent is exactly parent. snapshots belong to the
// parent of their dataset ("tank/a@s1" is a child of "tank"), which is what makes
// "root + virtual path" resolve to them.
func (c *Catalog) ListChildren(ctx context.Context, parent string) ([]DatasetEntry, error) {
	// depth 2 because snapshots count as one level below their dataset
	output, err := c.zfs.Output(ctx, "list", "-H", "-o", "name", "-t", "filesystem,volume,snapshot", "-r", "-d", "2", parent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	names := []string{}
	if err := forEachLine(output, func(fields []string) error {
		names = append(names, fields[0])
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	entries := lo.Map(names, func(name string, _ int) DatasetEntry {
		return DatasetEntry{
			FullPath:   name,
			ParentPath: ParentOf(name),
		}
	})

	return lo.Filter(entries, func(entry DatasetEntry, _ int) bool {
		return entry.ParentPath == parent
	}), nil
}

// "tank/a/b" => "tank/a", "tank/a@s1" => "tank", "tank" => ""
func ParentOf(name string) string {
	idx := strings.LastIndexByte(name, '/')
	if idx == -1 {
		return ""
	}

	return name[:idx]
}
