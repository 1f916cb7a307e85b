package model

import "time"

// Pod is a bookable physical resource owned by one user. Slots hang off a
// pod and generation for a pod is serialised on its row.
type Pod struct {
	ID        uint64    `json:"id"`
	OwnerID   uint64    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
