package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Preferences 是成员的自由标签偏好（忌口、软约束等），jsonb 存储。
type Preferences struct {
	Tags []string `json:"tags,omitempty"`
}

// Value 实现 driver.Valuer。
func (p Preferences) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan 实现 sql.Scanner。
func (p *Preferences) Scan(value interface{}) error {
	if value == nil {
		*p = Preferences{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("domain: cannot scan %T into Preferences", value)
	}
	if len(bytes) == 0 {
		*p = Preferences{}
		return nil
	}
	return json.Unmarshal(bytes, p)
}

// RoomMember 是房间成员关系，(room_id, user_id) 联合主键保证 upsert 语义：
// 重复加入只会刷新 joined_at，不会产生第二行。
type RoomMember struct {
	RoomID      uuid.UUID   `gorm:"type:uuid;primaryKey" json:"room_id"`
	UserID      uuid.UUID   `gorm:"type:uuid;primaryKey" json:"user_id"`
	Preferences Preferences `gorm:"type:jsonb" json:"preferences"`
	JoinedAt    time.Time   `gorm:"not null" json:"joined_at"`
}

func (RoomMember) TableName() string {
	return "room_members"
}

// MergeMemberTags 取所有成员偏好标签的去重并集，作为群体偏好交给推荐引擎。
// 输出排序以保证稳定性。
func MergeMemberTags(members []RoomMember) []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, m := range members {
		for _, t := range m.Preferences.Tags {
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)
	return tags
}
