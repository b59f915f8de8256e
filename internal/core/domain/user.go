package domain

type UserID string

// User is the identity supplied by the external identity provider.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}
