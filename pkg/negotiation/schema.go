package negotiation

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several connectors can share one Redis server.
//
// Key pattern: accord:{instance_name}:{entity}:{id}
// Channel pattern: accord:{instance_name}:{event_type}_events

// NegotiationKey returns the Redis key for a negotiation hash.
// Pattern: accord:{instance_name}:negotiation:{negotiation_id}
func NegotiationKey(instanceName, negotiationID string) string {
	return fmt.Sprintf("accord:%s:negotiation:%s", instanceName, negotiationID)
}

// NegotiationKeyPrefix returns the prefix shared by all negotiation hashes.
func NegotiationKeyPrefix(instanceName string) string {
	return fmt.Sprintf("accord:%s:negotiation:", instanceName)
}

// CorrelationKey returns the Redis key for the correlation->negotiation index.
// Pattern: accord:{instance_name}:negotiation_by_correlation:{role}:{correlation_id}
func CorrelationKey(instanceName string, role Role, correlationID string) string {
	return fmt.Sprintf("accord:%s:negotiation_by_correlation:%s:%s", instanceName, role, correlationID)
}

// DueKey returns the Redis key of the ZSET holding negotiations of one role in
// one state, scored by their state timestamp.
// Pattern: accord:{instance_name}:due:{role}:{state_code}
func DueKey(instanceName string, role Role, state State) string {
	return fmt.Sprintf("accord:%s:due:%s:%d", instanceName, role, int(state))
}

// TransitionEventsChannel returns the Pub/Sub channel for committed transitions.
// Pattern: accord:{instance_name}:transition_events
func TransitionEventsChannel(instanceName string) string {
	return fmt.Sprintf("accord:%s:transition_events", instanceName)
}
