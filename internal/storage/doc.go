// Package storage holds the error values shared by town's storage backends.
//
// Domain packages declare the narrow store interfaces they need; the sqlite
// and bbolt subpackages implement them and translate driver errors into the
// sentinels below.
package storage
