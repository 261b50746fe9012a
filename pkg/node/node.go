package node

import (
	"strings"
	"time"
)

// Position is a reported GPS fix.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  int32   `json:"altitude,omitempty"`
}

// Node is a mesh participant as last observed on any link.
type Node struct {
	ID        string    `json:"id"`
	ShortName string    `json:"short_name,omitempty"`
	LongName  string    `json:"long_name,omitempty"`
	Hardware  string    `json:"hardware,omitempty"`
	Link      string    `json:"link,omitempty"`
	SNR       float64   `json:"snr,omitempty"`
	RSSI      int       `json:"rssi,omitempty"`
	Battery   *int      `json:"battery,omitempty"`
	HopsAway  *int      `json:"hops_away,omitempty"`
	Position  *Position `json:"position,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// DisplayName prefers the long name, then the short name, then the id.
func (n Node) DisplayName() string {
	if name := strings.TrimSpace(n.LongName); name != "" {
		return name
	}
	if name := strings.TrimSpace(n.ShortName); name != "" {
		return name
	}
	return n.ID
}

// Stale reports whether the node has been silent longer than window.
func (n Node) Stale(now time.Time, window time.Duration) bool {
	if n.LastSeen.IsZero() {
		return true
	}
	return now.Sub(n.LastSeen) > window
}

// merge applies the non-zero fields of update on top of n.
func (n Node) merge(update Node) Node {
	if update.ShortName != "" {
		n.ShortName = update.ShortName
	}
	if update.LongName != "" {
		n.LongName = update.LongName
	}
	if update.Hardware != "" {
		n.Hardware = update.Hardware
	}
	if update.Link != "" {
		n.Link = update.Link
	}
	if update.SNR != 0 {
		n.SNR = update.SNR
	}
	if update.RSSI != 0 {
		n.RSSI = update.RSSI
	}
	if update.Battery != nil {
		n.Battery = update.Battery
	}
	if update.HopsAway != nil {
		n.HopsAway = update.HopsAway
	}
	if update.Position != nil {
		pos := *update.Position
		n.Position = &pos
	}
	if update.LastSeen.After(n.LastSeen) {
		n.LastSeen = update.LastSeen
	}
	return n
}

// clone deep-copies the pointer fields so snapshots never alias registry state.
func (n Node) clone() Node {
	if n.Battery != nil {
		v := *n.Battery
		n.Battery = &v
	}
	if n.HopsAway != nil {
		v := *n.HopsAway
		n.HopsAway = &v
	}
	if n.Position != nil {
		v := *n.Position
		n.Position = &v
	}
	return n
}
