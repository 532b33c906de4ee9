package refresh

import "time"

const schemaVersion = 1

// Rotation reasons recorded on deactivated records.
const (
	ReasonRotated       = "rotated"
	ReasonRevoked       = "revoked"
	ReasonReuseDetected = "reuse_detected"
)

// Record is the persisted state of one refresh token within its family.
//
// Within one family, generation increases by exactly 1 per rotation,
// ParentJTI of generation N equals the jti of generation N-1, and at most
// one record has IsActive true.
type Record struct {
	SchemaVersion  int        `json:"schema_version"`
	JTI            string     `json:"jti"`
	FamilyID       string     `json:"family_id"`
	Generation     int        `json:"generation"`
	ParentJTI      *string    `json:"parent_jti"`
	UserID         string     `json:"user_id"`
	Email          string     `json:"email"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastUsed       *time.Time `json:"last_used"`
	RotationReason *string    `json:"rotation_reason"`
}

// TokenPair is the result of a successful rotation or issuance.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}
