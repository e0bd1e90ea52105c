//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore credential persister for tokenkeeper.
// It supports multi-tenancy through Datastore namespaces.
//
// # Datastore Kinds
//
// The package uses one Datastore kind:
//   - Credential: the stored session, one entity per key name
//
// # Namespacing
//
// Pass a namespace to isolate sessions between tenants:
//
//	p := gae.NewPersister(client, "tenant-123", "site-agent")
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	store := tokenkeeper.NewStore(gae.NewPersister(client, "", ""))
package gae
