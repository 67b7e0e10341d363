// Package sink hands crawl results to downstream storage. Sinks are built per
// tenant and cached with a bounded lifetime so credential or configuration
// changes are picked up without a restart.
package sink
