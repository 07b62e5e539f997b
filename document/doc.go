// Package document defines the uniform gateway to the partitioned document
// store. Every persisted quarry entity is a document addressed by
// (collection, id, partition key); the Gateway interface is the single seam
// between the storage engine and a physical backend.
//
// Two backends ship with quarry: document/mongo (MongoDB) and
// document/memory (mutex-guarded maps, for unit tests and development).
// Any substituted backend must reject creation of a document whose
// id+partition already exists, honor document-level expiry, and return
// per-partition ordered query results.
package document
