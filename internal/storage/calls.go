package storage

import "slices"

// EndedCallsKey holds the JSON array of call ids already known to be over.
const EndedCallsKey = "mentality_ended_calls"

// MarkCallEnded appends callID to the ended-calls registry, keeping only the
// newest limit entries. Re-marking an id moves it to the end.
func (d *DB) MarkCallEnded(callID string, limit int) error {
	ids := d.EndedCalls()
	ids = slices.DeleteFunc(ids, func(s string) bool { return s == callID })
	ids = append(ids, callID)
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	return d.PutJSON(EndedCallsKey, ids)
}

// IsCallEnded reports whether callID is in the registry.
func (d *DB) IsCallEnded(callID string) bool {
	return slices.Contains(d.EndedCalls(), callID)
}

// EndedCalls returns the registry, oldest first. Unreadable data is treated
// as an empty registry.
func (d *DB) EndedCalls() []string {
	var ids []string
	if _, err := d.GetJSON(EndedCallsKey, &ids); err != nil {
		log.Warnf("ended-calls registry ignored: %v", err)
		return nil
	}
	return ids
}
