package codec

import (
	"strings"

	"topic-rpc/reqctx"
)

// ContextPrefix marks request context entries flattened into a broker message.
const ContextPrefix = "_context_"

// PackContext copies rc into msg as _context_<key> entries. A nil rc packs nothing.
func PackContext(msg map[string]any, rc *reqctx.RequestContext) {
	if rc == nil {
		return
	}
	for k, v := range rc.ToMap() {
		msg[ContextPrefix+k] = v
	}
}

// UnpackContext removes the _context_ entries from msg and rebuilds the request
// context from them. It returns nil when msg carries no context.
func UnpackContext(msg map[string]any) *reqctx.RequestContext {
	var packed map[string]any
	for k, v := range msg {
		key, ok := strings.CutPrefix(k, ContextPrefix)
		if !ok {
			continue
		}
		if packed == nil {
			packed = make(map[string]any)
		}
		packed[key] = v
		delete(msg, k)
	}
	if packed == nil {
		return nil
	}
	return reqctx.FromMap(packed)
}
