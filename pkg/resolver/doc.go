// Package resolver loads template group configurations from the record store
// and turns an assignment into the managed records it implies.
package resolver
