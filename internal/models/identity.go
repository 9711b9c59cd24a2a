package models

// Identity is the resolved user behind a connection or request. It is fixed for
// the lifetime of a connection.
type Identity struct {
	UserID    int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// User is a row of the users table.
type User struct {
	ID        int64  `db:"id" json:"id"`
	Username  string `db:"username" json:"username"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
}

// Identity converts a stored user into a connection identity.
func (u User) Identity() Identity {
	return Identity{UserID: u.ID, Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}
}
