// Package changefeed fans store change batches out to per-entity-kind
// subscribers through bounded queues, one ordered worker per subscription.
package changefeed
