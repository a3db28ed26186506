package zfscatalog

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

type NodeKind int

const (
	NodeKindContainer NodeKind = iota // filesystem or volume
	NodeKindSnapshot
)

func (n NodeKind) String() string {
	switch n {
	case NodeKindContainer:
		return "container"
	case NodeKindSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(n))
	}
}

type Node struct {
	Name    string
	Kind    NodeKind
	Created time.Time
}

// looks up a single dataset or snapshot by its full name
func (c *Catalog) Lookup(ctx context.Context, name string) (*Node, error) {
	output, err := c.zfs.Output(ctx, "list", "-H", "-p", "-o", "name,type,creation", name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeNotFound, name, err)
	}

	nodes := []Node{}

	if err := forEachLine(output, func(fields []string) error {
		if len(fields) != 3 {
			return fmt.Errorf("expected 3 fields; got %d", len(fields))
		}

		kind, err := nodeKindFromType(fields[1])
		if err != nil {
			return err
		}

		creation, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("creation of %s: %v", fields[0], err)
		}

		nodes = append(nodes, Node{
			Name:    fields[0],
			Kind:    kind,
			Created: time.Unix(creation, 0),
		})

		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeNotFound, name, err)
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}

	return &nodes[0], nil
}

func nodeKindFromType(zfsType string) (NodeKind, error) {
	switch zfsType {
	case "filesystem", "volume":
		return NodeKindContainer, nil
	case "snapshot":
		return NodeKindSnapshot, nil
	default:
		return 0, fmt.Errorf("unsupported type: %s", zfsType)
	}
}
