package orders

import "time"

// Order is owned by the merchandise side; payments only read it and flip it to PAID.
type Order struct {
	ID        string
	UserID    string
	Status    Status // lihat status.go
	Total     int
	CreatedAt time.Time
	UpdatedAt time.Time
}
