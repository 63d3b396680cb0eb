// Package database provides PostgreSQL connection pool management for the
// SQL transport.
package database
