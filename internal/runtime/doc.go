/*
Package runtime hosts the Service that ties the event processing pieces
together.

# Package Structure

## Core Service (service.go, brokers.go)

The Service wires:
  - the pull broker client chosen by Config.Broker
  - the handler registry and the behavior pipeline
  - one pull consumer per configured subscription
  - the push webhook dispatcher
  - HTTP servers for the webhook, metrics and the web UI

## Handler Registration (registration.go, prototypes.go)

RegisterHandler decodes payloads into a typed value, RegisterProtoHandler does
the same for protobuf messages and RegisterRawHandler hands over the wrapper.
The first registration error is kept and returned by Start.

## Behaviors (behaviors.go)

Behavior registrations mirror the pipeline behaviors: correlation id,
telemetry, metrics, logging, hooks, recoverer and validation.

## Stats & Web UI (stats.go, webui.go)

Per-route outcome counters, latency percentiles, throughput and error
categories, plus per-consumer batch totals, served as JSON.

# Sub-packages

  - cloudevents/, gridevent/: wire schemas
  - envelope/: the schema independent event wrapper
  - registry/: handler descriptors keyed by event type and schema
  - pipeline/: behaviors and outcome classification
  - consumer/: the pull delivery loop
  - webhook/: push delivery over HTTP
  - config/, errors/, ids/, jsoncodec/, logging/, metadata/: shared plumbing
*/
package runtime
