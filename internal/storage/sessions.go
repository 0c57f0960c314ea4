package storage

import (
	"github.com/google/uuid"
)

// SessionKey is the store key holding the stable transport session id for a user.
func SessionKey(userID string) string {
	return "mentality_session_" + userID
}

// SessionID returns the transport session id for userID, generating and
// persisting one the first time. The id is reused across reconnects so the
// server can correlate sockets of one client session.
func (d *DB) SessionID(userID string) (string, error) {
	var id string
	ok, err := d.GetJSON(SessionKey(userID), &id)
	if err != nil {
		log.Warnf("session id for %s unreadable, regenerating: %v", userID, err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := d.PutJSON(SessionKey(userID), id); err != nil {
		return "", err
	}
	return id, nil
}

// ForgetSession drops the stored session id (logout).
func (d *DB) ForgetSession(userID string) error {
	return d.Delete(SessionKey(userID))
}
