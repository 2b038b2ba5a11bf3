// Package monitor defines the records shared across the page history engine
// (pages, versions, changes, annotations and import batches) together with
// the collaborator interfaces the engine depends on for persistence, archiving,
// fetching, queueing and notifications.
package monitor
