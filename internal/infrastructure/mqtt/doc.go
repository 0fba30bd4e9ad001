// Package mqtt is Lockgate's broker session.
//
// MQTT is optional. When enabled, the omni bridge mirrors lock state and
// events onto the broker and accepts commands addressed by IMEI, so fleet
// back-ends can drive locks without the HTTP API:
//
//	Locks ↔ TCP ↔ Lockgate ↔ MQTT Broker ↔ Fleet services
//
// The client announces each instance on the retained lockgate/system/status
// topic as a StatusMessage. The broker publishes an offline message with
// reason unexpected_disconnect as the Last Will if the process dies; Close
// publishes graceful_shutdown instead. Subscriptions survive reconnects,
// and Stats reports traffic counters for /api/v1/system.
//
// # Security Considerations
//
//   - Enable TLS (mqtt.broker.tls) for any broker outside the host
//   - Anyone who can publish to lockgate/command/# can open locks; restrict it with broker ACLs
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Identity{SiteID: cfg.Site.ID, Version: version})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.Publish("lockgate/state/omni/"+imei, payload, 1, true)
package mqtt
