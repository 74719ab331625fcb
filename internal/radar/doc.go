// Package radar defines the core types shared across the discovery pipeline:
// servers, address mappings, tasks, scan results, and the small interfaces the
// workers are wired against.
package radar
