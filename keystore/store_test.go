package keystore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairtunnel/crypto"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	bolt, err := NewBoltBackend(filepath.Join(dir, "keys.db"))
	require.NoError(t, err)
	file, err := NewFileBackend(filepath.Join(dir, "files"), []byte("correct horse"))
	require.NoError(t, err)

	t.Cleanup(func() {
		bolt.Close()
		file.Close()
	})

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"bolt":   bolt,
		"file":   file,
	}
}

func TestGetOrCreateIsStable(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New(b)

			has, err := s.Has("phone")
			require.NoError(t, err)
			assert.False(t, has)

			first, err := s.GetOrCreate("phone")
			require.NoError(t, err)
			require.NoError(t, first.Validate())

			second, err := s.GetOrCreate("phone")
			require.NoError(t, err)
			assert.Equal(t, first.Public, second.Public)
			assert.Equal(t, first.Private, second.Private)

			has, err = s.Has("phone")
			require.NoError(t, err)
			assert.True(t, has)

			other, err := s.GetOrCreate("laptop")
			require.NoError(t, err)
			assert.NotEqual(t, first.Public, other.Public)
		})
	}
}

func TestRecordFormat(t *testing.T) {
	b := NewMemoryBackend()
	created := time.UnixMilli(1700000000123)
	s := New(b, WithClock(func() time.Time { return created }))

	kp, err := s.GetOrCreate("device 1")
	require.NoError(t, err)

	raw, err := b.Get(KeyPrefix + "device_1")
	require.NoError(t, err)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, base64.StdEncoding.EncodeToString(kp.Public[:]), rec["publicKey"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(kp.Private[:]), rec["secretKey"])
	assert.Equal(t, float64(1700000000123), rec["createdAt"])

	entries, err := s.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "device_1", entries[0].DeviceID)
	assert.Equal(t, kp.Public, entries[0].PublicKey)
	assert.True(t, created.Equal(entries[0].CreatedAt))
}

func TestSanitizeDeviceID(t *testing.T) {
	assert.Equal(t, "abc-DEF_123", SanitizeDeviceID("abc-DEF_123"))
	assert.Equal(t, "user_example_com", SanitizeDeviceID("user@example.com"))
	assert.Equal(t, "a_b_c", SanitizeDeviceID("a/b c"))
	assert.Equal(t, "__", SanitizeDeviceID("名前"))
}

func TestCorruptRecordsAreReplaced(t *testing.T) {
	good, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	mismatched, err := encodeRecord(&crypto.KeyPair{Public: [32]byte{1}, Private: good.Private}, time.Now())
	require.NoError(t, err)

	cases := map[string][]byte{
		"not json":        []byte("{{{"),
		"bad base64":      []byte(`{"publicKey":"***","secretKey":"***","createdAt":1}`),
		"short key":       []byte(`{"publicKey":"AAAA","secretKey":"AAAA","createdAt":1}`),
		"mismatched pair": mismatched,
		"missing fields":  []byte(`{}`),
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			b := NewMemoryBackend()
			require.NoError(t, b.Put(KeyPrefix+"phone", raw))
			s := New(b)

			has, err := s.Has("phone")
			require.NoError(t, err)
			assert.False(t, has)

			kp, err := s.GetOrCreate("phone")
			require.NoError(t, err)
			require.NoError(t, kp.Validate())

			has, err = s.Has("phone")
			require.NoError(t, err)
			assert.True(t, has)
		})
	}
}

func TestDeleteListClear(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New(b)
			require.NoError(t, b.Put("unrelated", []byte("x")))

			for _, id := range []string{"b", "a", "c"} {
				_, err := s.GetOrCreate(id)
				require.NoError(t, err)
			}

			ids, err := s.ListDeviceIDs()
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, ids)

			require.NoError(t, s.Delete("b"))
			require.NoError(t, s.Delete("missing"))
			ids, err = s.ListDeviceIDs()
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "c"}, ids)

			require.NoError(t, s.ClearAll())
			ids, err = s.ListDeviceIDs()
			require.NoError(t, err)
			assert.Empty(t, ids)

			_, err = b.Get("unrelated")
			assert.NoError(t, err, "ClearAll must only remove keypair records")
		})
	}
}

type failingBackend struct {
	*MemoryBackend
}

func (failingBackend) Put(string, []byte) error {
	return errors.New("disk full")
}

func TestStorageErrorOnPut(t *testing.T) {
	s := New(failingBackend{NewMemoryBackend()})

	_, err := s.GetOrCreate("phone")
	require.Error(t, err)

	var serr *StorageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "put", serr.Op)
	assert.Equal(t, "phone", serr.DeviceID)
	assert.Contains(t, err.Error(), "disk full")
}

func TestConcurrentGetOrCreate(t *testing.T) {
	s := New(NewMemoryBackend())

	var wg sync.WaitGroup
	results := make([][32]byte, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kp, err := s.GetOrCreate("shared")
			if err == nil {
				results[i] = kp.Public
			}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestDeterministicProvider(t *testing.T) {
	a, err := New(NewMemoryBackend(), WithProvider(crypto.NewDeterministicProvider([]byte("s"), crypto.CipherAESGCM))).GetOrCreate("x")
	require.NoError(t, err)
	b, err := New(NewMemoryBackend(), WithProvider(crypto.NewDeterministicProvider([]byte("s"), crypto.CipherAESGCM))).GetOrCreate("x")
	require.NoError(t, err)
	assert.Equal(t, a.Public, b.Public)
}
