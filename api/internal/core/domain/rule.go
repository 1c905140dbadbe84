package domain

import (
	"net"
	"strconv"
	"time"
)

// Unset is the wire/storage value of a threshold that is not active.
// External readers of the config store rely on it, so it never changes.
const Unset = -1

// ThresholdKind names one metric dimension a SystemRule can guard.
type ThresholdKind string

const (
	ThresholdSystemLoad ThresholdKind = "highestSystemLoad"
	ThresholdCPUUsage   ThresholdKind = "highestCpuUsage"
	ThresholdAvgRT      ThresholdKind = "avgRt"
	ThresholdMaxThread  ThresholdKind = "maxThread"
	ThresholdQPS        ThresholdKind = "qps"
)

// SystemRule is a system-protection threshold bound to one running instance.
// JSON names match the Sentinel dashboard entity so config store readers stay compatible.
type SystemRule struct {
	ID                int64     `json:"id" db:"id"`
	App               string    `json:"app" db:"app"`
	IP                string    `json:"ip" db:"ip"`
	Port              int       `json:"port" db:"port"`
	HighestSystemLoad float64   `json:"highestSystemLoad" db:"highest_system_load"`
	HighestCPUUsage   float64   `json:"highestCpuUsage" db:"highest_cpu_usage"`
	AvgRT             int64     `json:"avgRt" db:"avg_rt"`
	MaxThread         int64     `json:"maxThread" db:"max_thread"`
	QPS               float64   `json:"qps" db:"qps"`
	CreatedAt         time.Time `json:"gmtCreate" db:"created_at"`
	ModifiedAt        time.Time `json:"gmtModified" db:"modified_at"`
}

// Machine returns the identity of the instance the rule is bound to.
func (r SystemRule) Machine() MachineIdentity {
	return MachineIdentity{App: r.App, IP: r.IP, Port: r.Port}
}

// ActiveThresholds lists every dimension holding a non-negative value.
// A freshly created rule has exactly one; updates may leave more.
func (r SystemRule) ActiveThresholds() []ThresholdKind {
	var active []ThresholdKind
	if r.HighestSystemLoad >= 0 {
		active = append(active, ThresholdSystemLoad)
	}
	if r.HighestCPUUsage >= 0 {
		active = append(active, ThresholdCPUUsage)
	}
	if r.AvgRT >= 0 {
		active = append(active, ThresholdAvgRT)
	}
	if r.MaxThread >= 0 {
		active = append(active, ThresholdMaxThread)
	}
	if r.QPS >= 0 {
		active = append(active, ThresholdQPS)
	}
	return active
}

// MachineIdentity identifies one running instance of an application.
type MachineIdentity struct {
	App  string `json:"app"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Address is the host:port the instance's command endpoint listens on.
func (m MachineIdentity) Address() string {
	return net.JoinHostPort(m.IP, strconv.Itoa(m.Port))
}

func (m MachineIdentity) String() string {
	return m.App + "@" + m.Address()
}

// Thresholds carries caller-supplied threshold values. A nil field was not supplied.
type Thresholds struct {
	HighestSystemLoad *float64 `json:"highestSystemLoad,omitempty" validate:"omitnil,gte=0"`
	HighestCPUUsage   *float64 `json:"highestCpuUsage,omitempty" validate:"omitnil,gte=0,lte=1"`
	AvgRT             *int64   `json:"avgRt,omitempty" validate:"omitnil,gte=0"`
	MaxThread         *int64   `json:"maxThread,omitempty" validate:"omitnil,gte=0"`
	QPS               *float64 `json:"qps,omitempty" validate:"omitnil,gte=0"`
}

// RuleUpdate is a partial update; only non-nil fields are applied.
// A blank App is ignored.
type RuleUpdate struct {
	App *string `json:"app,omitempty"`
	Thresholds
}
