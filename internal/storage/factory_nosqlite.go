//go:build !sqlite

package storage

import "fmt"

func newSQLiteStore(path string) (Store, error) {
	return nil, fmt.Errorf("unsupported store backend: sqlite (casuctl built without -tags sqlite, cannot open %q)", path)
}
