package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RoomStatus 表示房间在「一起选」流程中的阶段。
type RoomStatus string

const (
	StatusWaiting  RoomStatus = "waiting"  // 房间已创建，成员可加入、改偏好
	StatusVoting   RoomStatus = "voting"   // 预留的偏好收集阶段，当前允许从 waiting 直接发起抽选
	StatusRolling  RoomStatus = "rolling"  // 抽选进行中，所有端播放动画
	StatusFinished RoomStatus = "finished" // 已产生最终结果
)

// IsValid 检查状态值是否是协议定义的四个状态之一。
func (s RoomStatus) IsValid() bool {
	switch s {
	case StatusWaiting, StatusVoting, StatusRolling, StatusFinished:
		return true
	}
	return false
}

// IsTerminalForPick 表示该状态下不应再接受新的抽选触发（重复点击保护）。
func (s RoomStatus) IsTerminalForPick() bool {
	return s == StatusRolling || s == StatusFinished
}

// Candidate 是展示给所有成员的候选餐厅摘要，由房主搜索附近 POI 后写入。
type Candidate struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name"`
	Category string   `json:"category,omitempty"`
	Address  string   `json:"address,omitempty"`
	Distance *float64 `json:"distance,omitempty"` // 米，可能缺失
	Rating   *float64 `json:"rating,omitempty"`
}

// CandidateList 以 jsonb 形式存储在房间行内。
type CandidateList []Candidate

// Value 实现 driver.Valuer，将候选列表序列化为 JSON 存库。
func (l CandidateList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan 实现 sql.Scanner，从 jsonb 列还原候选列表。
func (l *CandidateList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("domain: cannot scan %T into CandidateList", value)
	}
	if len(bytes) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(bytes, l)
}

// FindByName 按名称查找候选；结果名允许悬空（地址查不到时降级为空地址）。
func (l CandidateList) FindByName(name string) *Candidate {
	for i := range l {
		if l[i].Name == name {
			return &l[i]
		}
	}
	return nil
}

// Room 表示一次「一起选」会话，通过短邀请码共享。
type Room struct {
	ID                  uuid.UUID     `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Code                string        `gorm:"uniqueIndex;size:16;not null" json:"code"`
	HostID              uuid.UUID     `gorm:"type:uuid;index;not null" json:"host_id"` // 创建者，建房后不变
	Status              RoomStatus    `gorm:"size:20;not null;default:'waiting'" json:"status"`
	CurrentCandidates   CandidateList `gorm:"type:jsonb" json:"current_candidates"`
	FinalRestaurantName string        `gorm:"size:255" json:"final_restaurant_name"`
	DecisionReason      string        `gorm:"type:text" json:"decision_reason"`
	CreatedAt           time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time     `gorm:"autoUpdateTime;index" json:"updated_at"` // 兼作活跃时间，供过期清理
}

// IsHost 判断给定用户是否为房主。
func (r *Room) IsHost(userID uuid.UUID) bool {
	return r.HostID == userID
}

// RoomPatch 是随状态变更一并合并的可选字段。携带最终结果的 patch
// 只允许房主写入（服务层强制）。
type RoomPatch struct {
	FinalRestaurantName *string
	DecisionReason      *string
	CurrentCandidates   CandidateList // nil 表示不修改
}

// HasFinalResult 判断该 patch 是否携带最终结果，是则触发房主鉴权。
func (p *RoomPatch) HasFinalResult() bool {
	if p == nil {
		return false
	}
	return p.FinalRestaurantName != nil && *p.FinalRestaurantName != ""
}

// Location 经纬度，POI 搜索与推荐上下文使用。
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
