package model

// Crew is the group that owns slots.  Membership decides who may RSVP.
type Crew struct {
    ID   uint64 // crews.id
    Name string // crews.name
}

// CrewMember links a user to a crew.  Role is informational here; any
// membership row authorizes RSVPs against the crew's slots.
type CrewMember struct {
    CrewID uint64 // crew_members.crew_id
    UserID uint64 // crew_members.user_id
    Role   string // crew_members.role
}
