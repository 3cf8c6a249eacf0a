package cumulative

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

const (
	// Dir is the storage prefix holding one file per test identity.
	Dir = "tests"

	keySeparator = "~"
	hashMarker   = "~~"
	keyExt       = ".json"

	// maxNameLen bounds the file name of a key, extension included. It leaves room
	// under the common 255 byte limit for the quarantine and temp file affixes.
	maxNameLen = 160
)

// ErrHashedKey is returned by DecodeKey for keys whose identity was too long to spell
// out in the file name. The identity of such a key is stored in the file itself.
var ErrHashedKey = errors.New("cumulative history key is hashed")

// EncodeKey maps an identity to its storage key, e.g.
//
//	{tests/test_buy_gold.py, test_grams[1.5]} -> tests/tests%2Ftest_buy_gold.py~test_grams%5B1.5%5D.json
//
// Parts are percent-escaped so the separator never appears inside them. Upper-case
// letters are escaped too, so two keys never differ only by letter case.
//
// Names longer than maxNameLen keep an escaped prefix followed by "~~" and the SHA-256
// of the full escaped name.
func EncodeKey(id testresult.Identity) string {
	name := escape(id.Module) + keySeparator + escape(id.TestName)
	if len(name)+len(keyExt) <= maxNameLen {
		return Dir + "/" + name + keyExt
	}

	sum := sha256.Sum256([]byte(name))
	cut := maxNameLen - len(keyExt) - len(hashMarker) - hex.EncodedLen(len(sum))
	// Do not split an escape sequence.
	if i := strings.LastIndexByte(name[:cut], '%'); i >= 0 && i > cut-3 {
		cut = i
	}
	return Dir + "/" + name[:cut] + hashMarker + hex.EncodeToString(sum[:]) + keyExt
}

// DecodeKey reverses EncodeKey. Hashed keys return an error wrapping ErrHashedKey.
func DecodeKey(key string) (testresult.Identity, error) {
	name := strings.TrimPrefix(key, Dir+"/")
	if name == key || !strings.HasSuffix(name, keyExt) {
		return testresult.Identity{}, fmt.Errorf("not a cumulative history key: %q", key)
	}
	name = strings.TrimSuffix(name, keyExt)

	if i := strings.LastIndex(name, hashMarker); i >= 0 {
		sum := name[i+len(hashMarker):]
		if len(sum) != hex.EncodedLen(sha256.Size) || strings.ToLower(sum) != sum {
			return testresult.Identity{}, fmt.Errorf("not a cumulative history key: %q", key)
		}
		if _, err := hex.DecodeString(sum); err != nil {
			return testresult.Identity{}, fmt.Errorf("not a cumulative history key: %q", key)
		}
		return testresult.Identity{}, fmt.Errorf("%w: %q", ErrHashedKey, key)
	}

	module, test, ok := strings.Cut(name, keySeparator)
	if !ok || strings.Contains(test, keySeparator) {
		return testresult.Identity{}, fmt.Errorf("not a cumulative history key: %q", key)
	}

	var id testresult.Identity
	var err error
	if id.Module, err = unescape(module); err != nil {
		return testresult.Identity{}, err
	}
	if id.TestName, err = unescape(test); err != nil {
		return testresult.Identity{}, err
	}
	if err := id.Validate(); err != nil {
		return testresult.Identity{}, err
	}
	if EncodeKey(id) != key {
		return testresult.Identity{}, fmt.Errorf("non-canonical cumulative history key: %q", key)
	}
	return id, nil
}

func unreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '.' || c == '_' || c == '-'
}

func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func unescape(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape in %q: %w", s, err)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}
