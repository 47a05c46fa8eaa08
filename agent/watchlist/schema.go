// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package watchlist

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
)

const (
	tableStreams   = "streams"
	tableListeners = "listeners"

	indexID   = "id"
	indexKey  = "key"
	indexWire = "wire"
)

// streamsTableSchema holds one row per wire stream.
func streamsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableStreams,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.IntFieldIndex{Field: "WireID"},
			},
			indexKey: {
				Name:         indexKey,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "Key"},
			},
		},
	}
}

// listenersTableSchema holds one row per caller stream id attached to a wire
// stream.
func listenersTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableListeners,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.IntFieldIndex{Field: "CallerID"},
			},
			indexWire: {
				Name:         indexWire,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.IntFieldIndex{Field: "WireID"},
			},
		},
	}
}

func newDB() (*memdb.MemDB, error) {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableStreams:   streamsTableSchema(),
			tableListeners: listenersTableSchema(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create watchlist table: %w", err)
	}
	return db, nil
}
