package domain

import "fmt"

// ErrNotFound is returned when a record or action lookup fails inside a
// transaction.
type ErrNotFound struct {
	Collection Collection
	ID         string
}

func (e ErrNotFound) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("action %s not found", e.ID)
	}
	return fmt.Sprintf("%s %s not found", e.Collection, e.ID)
}

// ErrUnknownCollection is returned when a write targets a collection the
// store was not provisioned with.
type ErrUnknownCollection struct {
	Collection Collection
}

func (e ErrUnknownCollection) Error() string {
	return fmt.Sprintf("unknown collection %s", e.Collection)
}
