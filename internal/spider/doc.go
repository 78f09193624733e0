// Package spider defines the core types and interfaces shared across the
// crawl subsystems: tasks, fetch outcomes, extracted records, and the
// contracts for queues, sinks, and stats stores.
package spider
