// Package discovery tracks the machines that heartbeat into the service.
// Entries expire when a machine stops reporting.
package discovery

import (
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

// DefaultTTL is how long a machine stays listed after its last heartbeat.
const DefaultTTL = 30 * time.Second

// MachineInfo is what a client reports about itself.
type MachineInfo struct {
	App           string    `json:"app"`
	IP            string    `json:"ip"`
	Port          int       `json:"port"`
	Hostname      string    `json:"hostname,omitempty"`
	Version       string    `json:"version,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

func (m MachineInfo) Identity() domain.MachineIdentity {
	return domain.MachineIdentity{App: m.App, IP: m.IP, Port: m.Port}
}

type Registry struct {
	machines *cache.Cache
	ttl      time.Duration
	now      func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		machines: cache.New(ttl, ttl*2),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Heartbeat records or refreshes a machine.
func (r *Registry) Heartbeat(info MachineInfo) MachineInfo {
	info.LastHeartbeat = r.now().UTC()
	r.machines.Set(info.Identity().String(), info, r.ttl)
	return info
}

// Machines lists the live machines of app ordered by address.
func (r *Registry) Machines(app string) []MachineInfo {
	out := make([]MachineInfo, 0)
	for _, item := range r.machines.Items() {
		info, ok := item.Object.(MachineInfo)
		if ok && info.App == app {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity().Address() < out[j].Identity().Address()
	})
	return out
}

// Lookup reports whether machine is currently live.
func (r *Registry) Lookup(machine domain.MachineIdentity) (MachineInfo, bool) {
	v, ok := r.machines.Get(machine.String())
	if !ok {
		return MachineInfo{}, false
	}
	info, ok := v.(MachineInfo)
	return info, ok
}

// Remove forgets a machine immediately.
func (r *Registry) Remove(machine domain.MachineIdentity) {
	r.machines.Delete(machine.String())
}

func (r *Registry) Count() int {
	return r.machines.ItemCount()
}
