package domain

// Role differentiates customers from support admins.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Identity is what the auth service resolves a bearer credential to.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the identity may act on ticket status.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Sender converts the identity into a message sender.
func (i Identity) Sender() Sender {
	id := i.ID
	return Sender{Role: i.Role, ID: &id}
}

// Participant names a typist in a ticket room.
type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name,omitempty"`
}

// Key identifies the participant independent of display name.
func (p Participant) Key() string {
	return string(p.Role) + ":" + p.ID
}

// Participant converts the identity into a presence participant.
func (i Identity) Participant() Participant {
	return Participant{ID: i.ID, Role: i.Role, Name: i.Name}
}
