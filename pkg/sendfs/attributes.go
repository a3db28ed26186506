package sendfs

import (
	"time"

	"github.com/function61/zsendfs/pkg/zfssize"
)

// either ContainerAttributes or SnapshotAttributes
type NodeAttributes interface {
	NodeName() string
	// the only timestamp we have. used for access, modify and change times alike.
	CreatedAt() time.Time
}

// dataset (filesystem or volume), shown as a directory
type ContainerAttributes struct {
	Name    string
	Created time.Time
}

func (c ContainerAttributes) NodeName() string     { return c.Name }
func (c ContainerAttributes) CreatedAt() time.Time { return c.Created }

// shown as a file, whose content is the send stream
type SnapshotAttributes struct {
	Name     string
	Created  time.Time
	Estimate zfssize.Estimate
}

func (s SnapshotAttributes) NodeName() string     { return s.Name }
func (s SnapshotAttributes) CreatedAt() time.Time { return s.Created }

// advisory only: the real stream can be longer or shorter
func (s SnapshotAttributes) Size() uint64 {
	return sizeSafetyMultiplier * s.Estimate.Bytes
}

var (
	_ NodeAttributes = ContainerAttributes{}
	_ NodeAttributes = SnapshotAttributes{}
)
