// Package crawler defines the domain types shared by the admission, job
// lifecycle, frontier, and dispatch subsystems of the ingest crawler, along
// with the collaborator interfaces those subsystems are wired through.
package crawler
