package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of connection roles.
type Role int

const (
	RoleKDS Role = iota + 1
	RoleLocalPOS
	RoleCloudBridge
	RoleStudent
)

var roleNames = map[Role]string{
	RoleKDS:         "KDS",
	RoleLocalPOS:    "LOCAL_POS",
	RoleCloudBridge: "CLOUD_BRIDGE",
	RoleStudent:     "STUDENT",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

func (r Role) MarshalText() ([]byte, error) {
	if _, ok := roleNames[r]; !ok {
		return nil, fmt.Errorf("unknown role %d", int(r))
	}
	return []byte(r.String()), nil
}

// ParseRole accepts the names used by device clients.
func ParseRole(v string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "KDS":
		return RoleKDS, nil
	case "LOCAL_POS", "LOCAL", "POS":
		return RoleLocalPOS, nil
	case "CLOUD_BRIDGE", "CLOUD", "LOCAL_BRIDGE":
		return RoleCloudBridge, nil
	case "STUDENT", "USER":
		return RoleStudent, nil
	default:
		return 0, fmt.Errorf("unknown role %q", v)
	}
}

// Buffered roles are addressed as a class (any KDS terminal will do), so
// messages for an empty class are kept until a member connects.
func (r Role) Buffered() bool {
	switch r {
	case RoleKDS, RoleLocalPOS:
		return true
	case RoleCloudBridge, RoleStudent:
		return false
	default:
		return false
	}
}

// ClientInfo is the presence view of a connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}
