package types

import "strings"

// Permission groups. Other values are accepted and treated as opaque.
const (
	GroupNone           uint8 = 0
	GroupMissionControl uint8 = 1
	GroupSoftware       uint8 = 2
	GroupAdmin          uint8 = 255
)

const AdminName = "admin"

type User struct {
	Name   string `json:"name"`
	Hash   string `json:"hash"`
	UGroup uint8  `json:"ugroup"`
}

// UserRaw carries a plaintext password from the operator; it never leaves
// the persistence handler.
type UserRaw struct {
	Name   string `json:"name"`
	Pwd    string `json:"pwd"`
	UGroup uint8  `json:"ugroup"`
}

// UserSecure is a user without the password hash, for listings.
type UserSecure struct {
	Name   string `json:"name"`
	UGroup uint8  `json:"ugroup"`
}

type LoginCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
