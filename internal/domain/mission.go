package domain

import (
	"encoding/json"
	"time"
)

// Mission is a unit of work submitted for deduplicated, at-most-one-in-flight
// execution. It is never deleted by the core; Content is overwritten
// last-writer-wins when a later submission names the same Matcher.
type Mission struct {
	ID             int64           `json:"id"`
	Content        json.RawMessage `json:"content"`
	CreateTime     time.Time       `json:"createTime"`
	LastUpdateTime time.Time       `json:"lastUpdateTime"`
}

// Matcher is a globally unique external identifier that maps into the
// Mission it was used to find or create.
type Matcher struct {
	Pattern   string `json:"pattern"`
	MissionID int64  `json:"missionID"`
}

// Tag is a routing label consumed by handlers when claiming missions.
type Tag struct {
	Name string `json:"name"`
}

// MissionTag is the many-to-many join between Mission and Tag.
type MissionTag struct {
	TagName   string `json:"tagName"`
	MissionID int64  `json:"missionID"`
}
