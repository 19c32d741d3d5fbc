package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// mergeJSON applies patch on top of base. Objects merge key by key,
// recursively; every other value (arrays included) replaces what was there.
func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	b, err := decodeObject(base)
	if err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	p, err := decodeObject(patch)
	if err != nil {
		return nil, fmt.Errorf("decode partial document: %w", err)
	}
	merged, err := json.Marshal(mergeObjects(b, p))
	if err != nil {
		return nil, fmt.Errorf("marshal merged document: %w", err)
	}
	return merged, nil
}

func mergeObjects(dst, src map[string]any) map[string]any {
	for k, sv := range src {
		srcObj, srcIsObj := sv.(map[string]any)
		dstObj, dstIsObj := dst[k].(map[string]any)
		if srcIsObj && dstIsObj {
			dst[k] = mergeObjects(dstObj, srcObj)
			continue
		}
		dst[k] = sv
	}
	return dst
}

func decodeObject(b json.RawMessage) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
