package topology

import (
	"github.com/range-sharding/resharder/qdb"
)

type TabletRole string

const (
	RolePrimary  = TabletRole("primary")
	RoleReplica  = TabletRole("replica")
	RoleReadOnly = TabletRole("rdonly")
)

// Category returns the traffic class a tablet role serves.
func (r TabletRole) Category() Category {
	switch r {
	case RolePrimary:
		return CategoryPrimary
	case RoleReplica:
		return CategoryReplica
	default:
		return CategoryReadOnly
	}
}

type Tablet struct {
	ID      string
	ShardID string
	Role    TabletRole
	Serving bool
}

func NewTablet(id, shardID string, role TabletRole) *Tablet {
	return &Tablet{
		ID:      id,
		ShardID: shardID,
		Role:    role,
	}
}

func TabletFromDB(t *qdb.Tablet) *Tablet {
	return &Tablet{
		ID:      t.ID,
		ShardID: t.ShardID,
		Role:    roleFromDB(t.Role),
		Serving: t.Serving,
	}
}

func (t *Tablet) ToDB() *qdb.Tablet {
	return &qdb.Tablet{
		ID:      t.ID,
		ShardID: t.ShardID,
		Role:    roleToDB(t.Role),
		Serving: t.Serving,
	}
}

func roleFromDB(r qdb.TabletRole) TabletRole {
	switch r {
	case qdb.RolePrimary:
		return RolePrimary
	case qdb.RoleReplica:
		return RoleReplica
	default:
		return RoleReadOnly
	}
}

func roleToDB(r TabletRole) qdb.TabletRole {
	switch r {
	case RolePrimary:
		return qdb.RolePrimary
	case RoleReplica:
		return qdb.RoleReplica
	default:
		return qdb.RoleReadOnly
	}
}

// TabletHealth is the realtime health report of one tablet: serving state
// plus replication stats, the signal cutover gates on.
type TabletHealth struct {
	TabletID string
	ShardID  string
	Serving  bool
	Healthy  bool
	Position uint64
}
