package p2p

import (
	"encoding/json"
	"testing"

	"github.com/Klingon-tech/klingspv/pkg/header"
)

// FuzzHeadersRequest checks that arbitrary request bodies never panic the
// locator decoder.
func FuzzHeadersRequest(f *testing.F) {
	f.Add([]byte(`{"locator":["000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"],"max_count":2000}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"locator":["zz"],"max_count":-1}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var req HeadersRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		locator, err := decodeLocator(req.Locator)
		if err != nil {
			return
		}
		if len(locator) != len(req.Locator) {
			t.Fatalf("decoded %d hashes from %d strings", len(locator), len(req.Locator))
		}
	})
}

// FuzzTipAnnouncement checks that gossip payloads never panic the header
// parser.
func FuzzTipAnnouncement(f *testing.F) {
	f.Add([]byte(`{"header":"","height":1}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"header":null,"height":-5}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var ann TipAnnouncement
		if err := json.Unmarshal(data, &ann); err != nil {
			return
		}
		if h, err := header.Parse(ann.Header); err == nil {
			h.BlockHash()
		}
	})
}
