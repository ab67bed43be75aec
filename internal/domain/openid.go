package domain

import "time"

// MappingStatus enables or disables an OpenID mapping. Mappings are never
// deleted so relying-app references stay stable.
type MappingStatus string

const (
	MappingEnabled  MappingStatus = "enabled"
	MappingDisabled MappingStatus = "disabled"
)

// OpenIDMapping scopes a platform identity to one application. At most
// one row exists per (user_uuid, app_id) pair.
type OpenIDMapping struct {
	ID        int64
	OpenID    string
	UserUUID  string
	AppID     string
	Tags      string
	GroupName string
	Status    MappingStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
