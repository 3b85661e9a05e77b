/*
Copyright 2025 Tradelane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradelane/oracle/config"
)

func TestNewCacheRequiresRedis(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	_, err := NewCache()
	assert.Error(t, err)
}

func TestCacheSetGetDelete(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := newRedisCache(mr.Addr(), false)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "gstin:0xabc", "29ABCDE1234F1Z5", time.Minute))

	var got string
	require.NoError(t, c.Get(ctx, "gstin:0xabc", &got))
	assert.Equal(t, "29ABCDE1234F1Z5", got)

	require.NoError(t, c.Delete(ctx, "gstin:0xabc"))
}

func TestCacheMissIsNotAnError(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := newRedisCache(mr.Addr(), false)
	require.NoError(t, err)

	var got string
	assert.NoError(t, c.Get(context.Background(), "gstin:unknown", &got))
	assert.Empty(t, got)
}
