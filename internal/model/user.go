package model

// User mirrors the identity table managed by the auth service.  Only the
// fields needed for roster display are mapped.
type User struct {
    ID    uint64 // users.id
    Name  string // users.name
    Email string // users.email
}
