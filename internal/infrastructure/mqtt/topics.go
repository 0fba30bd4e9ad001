package mqtt

import "fmt"

// Topic prefixes for the Lockgate MQTT hierarchy.
//
// Bridge topics use the flat scheme lockgate/{category}/{protocol}/{address};
// each bridge builds its own. The client itself only owns the system topics.
const (
	// TopicPrefixBridge is the base for all bridge topics.
	TopicPrefixBridge = "lockgate"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "lockgate/system"
)

// Topics provides builders for the client's own MQTT topics.
type Topics struct{}

// SystemStatus returns the system status topic carrying the LWT.
//
// Example: lockgate/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}
