// Package crawler defines the domain model shared by every stage of a price
// file crawl: retailer configuration, run and retailer lifecycle states, the
// manifest document, reason codes, the error taxonomy, and the ports the
// orchestration layer depends on (blob storage, browsing sessions, hashing,
// clocks, and identifiers).
package crawler
