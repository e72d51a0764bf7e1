package nats

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/eventrepo/ports/backend"
)

const defaultBucket = "eventrepo"

type bucketConfig struct {
	name     string
	storage  jetstream.StorageType
	replicas int
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, cfg bucketConfig) (jetstream.KeyValue, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.name,
		Description: "event repository stores",
		History:     1,
		Storage:     cfg.storage,
		Replicas:    cfg.replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.name, err)
	}
	return kv, nil
}

// KV keys are dot separated tokens: the store name followed by one token per
// key part. Strings are base64url encoded behind an "s" marker so that any
// value is a valid token; integers are zero padded behind an "u" marker.

func encodeKey(store string, k backend.Key) string {
	var sb strings.Builder
	sb.WriteString(store)
	for _, p := range k {
		sb.WriteByte('.')
		sb.WriteString(encodePart(p))
	}
	return sb.String()
}

func encodePart(p any) string {
	switch v := p.(type) {
	case uint64:
		return fmt.Sprintf("u%020d", v)
	case string:
		return "s" + base64.RawURLEncoding.EncodeToString([]byte(v))
	}
	return ""
}

// decodeKey parses a KV key of st back into a primary key.
func decodeKey(st backend.StoreSchema, key string) (backend.Key, error) {
	tokens := strings.Split(key, ".")
	if len(tokens) != len(st.Key)+1 || tokens[0] != st.Name {
		return nil, fmt.Errorf("%w: %q is not a %s key", backend.ErrInvalidKey, key, st.Name)
	}
	out := make(backend.Key, len(st.Key))
	for i, part := range st.Key {
		tok := tokens[i+1]
		if tok == "" {
			return nil, fmt.Errorf("%w: %q has an empty token", backend.ErrInvalidKey, key)
		}
		switch {
		case part.Kind == backend.Uint && tok[0] == 'u':
			v, err := strconv.ParseUint(tok[1:], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", backend.ErrInvalidKey, key, err)
			}
			out[i] = v
		case part.Kind == backend.String && tok[0] == 's':
			v, err := base64.RawURLEncoding.DecodeString(tok[1:])
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", backend.ErrInvalidKey, key, err)
			}
			out[i] = string(v)
		default:
			return nil, fmt.Errorf("%w: %q: token %q does not match part %s", backend.ErrInvalidKey, key, tok, part.Name)
		}
	}
	return out, nil
}

// keyFilter narrows a listing to the keys whose parts are pinned by the range.
// order names the key parts the range applies to.
func keyFilter(st backend.StoreSchema, order []string, r backend.KeyRange) string {
	pinned := map[string]any{}
	if r.Lower != nil && r.Upper != nil {
		for i := 0; i < len(r.Lower) && i < len(r.Upper) && i < len(order); i++ {
			if backend.Compare(backend.Key{r.Lower[i]}, backend.Key{r.Upper[i]}) != 0 {
				break
			}
			pinned[order[i]] = r.Lower[i]
		}
	}
	if len(pinned) == 0 {
		return st.Name + ".>"
	}

	var sb strings.Builder
	sb.WriteString(st.Name)
	for _, p := range st.Key {
		sb.WriteByte('.')
		if v, ok := pinned[p.Name]; ok {
			sb.WriteString(encodePart(v))
		} else {
			sb.WriteByte('*')
		}
	}
	return sb.String()
}
