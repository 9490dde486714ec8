// Package inbox provides the in-memory peek-lock queue behind transports
// whose broker has no abandon operation of its own.
package inbox
