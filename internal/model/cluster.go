package model

import "time"

// PlacementGroup is a unit of data distribution whose replicas must stay
// above the minimum live count
type PlacementGroup struct {
	PGID         string   `json:"pgid"`
	LiveReplicas int      `json:"live_replicas"`
	Members      []string `json:"members"` // disk IDs holding a live replica
}

// Hosts reports whether diskID holds a live replica of the placement group
func (pg PlacementGroup) Hosts(diskID string) bool {
	for _, m := range pg.Members {
		if m == diskID {
			return true
		}
	}
	return false
}

// ClusterHealthSnapshot is a point-in-time view of replica sufficiency
type ClusterHealthSnapshot struct {
	Timestamp       time.Time        `json:"timestamp"`
	PlacementGroups []PlacementGroup `json:"placement_groups"`
	MinRedundancy   int              `json:"min_redundancy"`
}

// Age returns how old the snapshot is relative to now
func (s *ClusterHealthSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// GroupsFor returns the placement groups that reference diskID
func (s *ClusterHealthSnapshot) GroupsFor(diskID string) []PlacementGroup {
	groups := make([]PlacementGroup, 0)
	for _, pg := range s.PlacementGroups {
		if pg.Hosts(diskID) {
			groups = append(groups, pg)
		}
	}
	return groups
}
