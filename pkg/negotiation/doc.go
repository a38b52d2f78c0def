// Package negotiation provides the persisted model of contract negotiations,
// the fixed transition graph both roles move through, and the Redis-backed
// store that lets several worker processes share one negotiation backlog.
//
// # Overview
//
// A ContractNegotiation is created in INITIAL, either by a requester starting
// a request or by an offerer receiving one, and is never deleted: it ends in
// FINALIZED, TERMINATED or ERROR and stays there for audit.
//
// States ending in "-ING" mean this side is about to send a protocol message.
// Their counterparts mean the side is waiting for, or has just received, a
// message from the counterparty.
//
// # Concurrency
//
// Every write goes through Store.Save, a compare-and-set on the negotiation's
// Version. Workers check out negotiations with Store.NextBatch, which leases
// each returned negotiation to a single owner until the lease expires or is
// released. Apply wraps Save with the conflict handling used by the engine,
// the command runner and the protocol handlers.
//
// # Redis Schema
//
// All keys follow accord:{instance_name}:{entity}:{id}.
//
// Negotiations: accord:{instance_name}:negotiation:{negotiation_id} (hash)
// Due index: accord:{instance_name}:due:{role}:{state_code} (ZSET scored by state timestamp)
// Correlation index: accord:{instance_name}:negotiation_by_correlation:{role}:{correlation_id}
//
// Transition events: accord:{instance_name}:transition_events
//
// Terminal negotiations are removed from every due index, so NextBatch never
// returns them again.
//
// # Usage Example
//
//	client, err := negotiation.NewClient(&redis.Options{Addr: "localhost:6379"}, "default-1")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	n, err := negotiation.New(negotiation.Params{
//		Role:                negotiation.RoleRequester,
//		CounterpartyAddress: "accord.provider",
//		Protocol:            "dsp-nats",
//		Offer:               &offer,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := client.Save(ctx, n); err != nil {
//		log.Fatal(err)
//	}
package negotiation
