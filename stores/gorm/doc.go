//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based credential persister for tokenkeeper.
// It supports any database that GORM supports (PostgreSQL, MySQL, SQLite, etc.)
// and suits agents that keep their session in a shared relational database.
//
// # Database Schema
//
// The package auto-migrates a single table:
//   - credentials: one row per key holding access token, refresh token and expiry
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	gormstore.AutoMigrate(db)
//	store := tokenkeeper.NewStore(gormstore.NewPersister(db, "site-agent"))
package gorm
