package models

// DeliveryStatus is the per-message delivery state. Transitions only move
// forward through the ranks; deleted is terminal.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusDeleted   DeliveryStatus = "deleted"
)

var statusRank = map[DeliveryStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusDeleted:   4,
}

// Rank returns the position of the status in the forward-only ordering, or
// -1 for an unknown value.
func (s DeliveryStatus) Rank() int {
	if rank, ok := statusRank[s]; ok {
		return rank
	}
	return -1
}

// Valid reports whether the value is one of the known statuses.
func (s DeliveryStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}
