package mqtt

import (
	"encoding/json"
	"time"
)

// Values of StatusMessage.Status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Values of StatusMessage.Reason for offline announcements.
const (
	ReasonUnexpectedDisconnect = "unexpected_disconnect"
	ReasonGracefulShutdown     = "graceful_shutdown"
)

// Identity describes the Lockgate instance announcing itself on the
// system status topic.
type Identity struct {
	SiteID  string
	Version string
}

// StatusMessage is the retained payload on lockgate/system/status.
//
// The broker publishes the offline form as the Last Will when the
// process dies without closing the connection, so fleet dashboards can
// tell a crash from a planned restart by Reason.
type StatusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	SiteID    string `json:"site_id,omitempty"`
	Version   string `json:"version,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// statusPayload encodes a status announcement for clientID.
func statusPayload(status, reason, clientID string, id Identity) []byte {
	payload, err := json.Marshal(StatusMessage{
		Status:    status,
		ClientID:  clientID,
		SiteID:    id.SiteID,
		Version:   id.Version,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		// Only strings are marshalled.
		return []byte(`{"status":"` + status + `"}`)
	}
	return payload
}
