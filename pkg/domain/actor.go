package domain

// Actor is whoever performs an action: an authenticated user, a piece of
// equipment, or the service itself.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used for automatic actions such as timeouts.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// EquipmentActor attributes a reading to the device that produced it.
func EquipmentActor(equipmentID string) Actor {
	return Actor{ID: "equipment:" + equipmentID, Role: RoleSystem}
}

// IsZero reports whether no actor is set.
func (a Actor) IsZero() bool {
	return a.ID == ""
}
