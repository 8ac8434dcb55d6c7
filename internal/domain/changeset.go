package domain

// UserUpdate is a staged patch for one existing user.
type UserUpdate struct {
	UserID int64
	Patch  UserPatch
}

// SubscriptionUpdate is a staged patch for one existing subscription.
type SubscriptionUpdate struct {
	SubscriptionID string
	Patch          SubscriptionPatch
}

// ChangeSet is the list of writes produced by one reconciliation pass. It is
// applied as a unit: users before subscriptions, inserts before updates.
type ChangeSet struct {
	UserInserts         []User
	UserUpdates         []UserUpdate
	SubscriptionInserts []Subscription
	SubscriptionUpdates []SubscriptionUpdate
}

// Len returns the number of staged writes.
func (c ChangeSet) Len() int {
	return len(c.UserInserts) + len(c.UserUpdates) + len(c.SubscriptionInserts) + len(c.SubscriptionUpdates)
}

// IsEmpty reports whether nothing is staged.
func (c ChangeSet) IsEmpty() bool {
	return c.Len() == 0
}
