package storage

// NotificationsKey is the store key of the last-known-good notification list.
func NotificationsKey(userID string) string {
	return "notifications_" + userID
}

// SaveNotifications persists the canonical notification list for userID.
// items is stored as-is; the notify package owns the element type.
func (d *DB) SaveNotifications(userID string, items any) error {
	return d.PutJSON(NotificationsKey(userID), items)
}

// LoadNotifications decodes the cached list into out. Reports false when
// nothing is cached or the cached JSON is unreadable.
func (d *DB) LoadNotifications(userID string, out any) bool {
	ok, err := d.GetJSON(NotificationsKey(userID), out)
	if err != nil {
		log.Warnf("notification cache for %s ignored: %v", userID, err)
		return false
	}
	return ok
}
