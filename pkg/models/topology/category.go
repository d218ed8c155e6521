package topology

import (
	"github.com/range-sharding/resharder/pkg/models/rerror"
)

// Category is a traffic class routed independently per key range.
type Category string

const (
	CategoryReadOnly = Category("rdonly")
	CategoryReplica  = Category("replica")
	CategoryPrimary  = Category("primary")
)

// MigrationOrder is the only legal cutover sequence. Primary goes last
// because it is irreversible in practice.
var MigrationOrder = []Category{CategoryReadOnly, CategoryReplica, CategoryPrimary}

func CategoryFromString(s string) (Category, error) {
	switch Category(s) {
	case CategoryReadOnly, CategoryReplica, CategoryPrimary:
		return Category(s), nil
	default:
		return "", rerror.Newf(rerror.RESH_UNEXPECTED, "unknown serving category %q", s)
	}
}

func (c Category) String() string {
	return string(c)
}
