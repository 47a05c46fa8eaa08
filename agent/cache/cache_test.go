// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/feedmux/agent/structs"
)

func TestLRU_ApplyRetrieve(t *testing.T) {
	c, err := NewLRU(Options{})
	require.NoError(t, err)

	_, err = c.Retrieve(1)
	require.True(t, structs.IsErrNotFound(err))

	// Updates need an image first.
	err = c.Apply(1, []byte("u"), false)
	require.True(t, structs.IsErrNotFound(err))

	payload := []byte("image")
	require.NoError(t, c.Apply(1, payload, true))
	payload[0] = 'X'
	got, err := c.Retrieve(1)
	require.NoError(t, err)
	require.Equal(t, []byte("image"), got)

	require.NoError(t, c.Apply(1, []byte("update"), false))
	got, err = c.Retrieve(1)
	require.NoError(t, err)
	require.Equal(t, []byte("update"), got)

	c.Remove(1)
	_, err = c.Retrieve(1)
	require.True(t, structs.IsErrNotFound(err))
}

func TestLRU_Merge(t *testing.T) {
	c, err := NewLRU(Options{Merge: func(image, update []byte) ([]byte, error) {
		if len(update) == 0 {
			return nil, errors.New("empty update")
		}
		return append(append([]byte(nil), image...), update...), nil
	}})
	require.NoError(t, err)

	require.NoError(t, c.Apply(7, []byte("a"), true))
	require.NoError(t, c.Apply(7, []byte("b"), false))
	require.NoError(t, c.Apply(7, []byte("c"), false))
	got, err := c.Retrieve(7)
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))

	require.EqualError(t, c.Apply(7, nil, false), "failed to apply update to stream 7: empty update")
	got, err = c.Retrieve(7)
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
}

func TestLRU_Evicts(t *testing.T) {
	c, err := NewLRU(Options{Size: 2})
	require.NoError(t, err)

	require.NoError(t, c.Apply(1, []byte("1"), true))
	require.NoError(t, c.Apply(2, []byte("2"), true))
	_, err = c.Retrieve(1)
	require.NoError(t, err)
	require.NoError(t, c.Apply(3, []byte("3"), true))

	require.Equal(t, 2, c.Len())
	_, err = c.Retrieve(2)
	require.True(t, structs.IsErrNotFound(err))
	_, err = c.Retrieve(1)
	require.NoError(t, err)
}

func TestLRU_Expiry(t *testing.T) {
	mock := clock.NewMock()
	c, err := NewLRU(Options{ExpiryTime: time.Minute, Clock: mock})
	require.NoError(t, err)

	require.NoError(t, c.Apply(1, []byte("1"), true))
	mock.Add(59 * time.Second)
	require.NoError(t, c.Apply(1, []byte("2"), false))

	mock.Add(59 * time.Second)
	got, err := c.Retrieve(1)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)

	mock.Add(time.Second)
	_, err = c.Retrieve(1)
	require.True(t, structs.IsErrNotFound(err))
	require.Equal(t, 0, c.Len())
}
