// Package playoutfakes provides in-memory encoder and infrastructure fakes for
// orchestration tests. Both record every mutating call so tests can assert the
// exact batches that would have reached the remote services.
package playoutfakes
