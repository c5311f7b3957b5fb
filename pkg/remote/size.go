package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// DefaultMaxDocumentBytes is the per-document ceiling of the remote store.
const DefaultMaxDocumentBytes = 1 << 20

// DocumentSize is the encoded size of doc on the wire. SurrealDB speaks CBOR,
// so the ceiling is checked against the CBOR encoding.
func DocumentSize(doc Document) (int, error) {
	data, err := cbor.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("measure document: %w", err)
	}
	return len(data), nil
}

// Nested maps decode as string-keyed maps so documents stay JSON encodable.
var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// cloneDocument deep-copies doc through the wire encoding, so that stored
// documents look exactly like documents read back from a real store.
func cloneDocument(doc Document) (Document, error) {
	data, err := cbor.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := decMode.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var quotaMarkers = []string{
	"quota",
	"resource exhausted",
	"resource_exhausted",
	"too large",
	"timeout",
	"timed out",
	"deadline",
}

// IsQuotaOrTimeout separates capacity and latency failures, which clear up on
// their own, from configuration and data errors.
func IsQuotaOrTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrPayloadTooLarge) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range quotaMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
