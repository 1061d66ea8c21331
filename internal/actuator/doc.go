// Package actuator delivers policy payloads to the enforcement plane.
//
// The actuator package implements the policy sinks the control loop sends
// payloads to. Delivery guarantees belong to the sink; the control loop emits
// at most one payload per unit per tick and abandons the tick on a send error.
//
// # Sinks
//
//   - A1Sink: PUT to an A1 policy management endpoint (Non-RT RIC)
//   - KafkaSink: publish to a Kafka topic keyed by unit ID
//   - FileSink: write payload files for dry runs and offline review
//   - DedupSink: wrap any sink and drop payloads whose policy ID was already sent
//
// # A1 Endpoint
//
// Payloads are created or replaced with:
//
//	PUT {a1_url}/A1-P/v2/policytypes/{policy_type_id}/policies/{policy_id}
//
// Requests are throttled with a token bucket (sink.rate, sink.burst). Transport
// errors, 429 and 5xx responses are retried with exponential backoff up to
// sink.max_retries times; any other 4xx fails immediately.
//
// # Idempotency
//
// Policy IDs are UUIDv5 values derived from the unit, target mode and decision
// time, so a replayed decision produces the same ID. DedupSink claims each ID
// in Redis (SETNX with TTL) or in memory before sending and releases the claim
// if the send fails.
//
// # Usage Example
//
//	sink, err := actuator.NewSink(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer sink.Close()
//
//	if err := sink.Send(ctx, payload); err != nil {
//	    // abandon the tick, state is not committed
//	}
package actuator
