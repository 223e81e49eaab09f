package api

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/topographica/livemap/pkg/core"
)

// DecodePlayers parses a players.json body. The document must be an array
// of objects with a string name and numeric x and z. Extra fields are
// ignored. Entry order is preserved and duplicates are kept.
func DecodePlayers(body []byte) (core.Snapshot, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid json")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return nil, fmt.Errorf("expected array, got %s", doc.Type)
	}

	entries := doc.Array()
	snap := make(core.Snapshot, 0, len(entries))
	for i, e := range entries {
		if !e.IsObject() {
			return nil, fmt.Errorf("entry %d: expected object", i)
		}
		name := e.Get("name")
		if name.Type != gjson.String {
			return nil, fmt.Errorf("entry %d: name must be a string", i)
		}
		x, z := e.Get("x"), e.Get("z")
		if x.Type != gjson.Number || z.Type != gjson.Number {
			return nil, fmt.Errorf("entry %d (%s): x and z must be numbers", i, name.Str)
		}
		snap = append(snap, core.Player{
			Name:     name.Str,
			Position: core.Position{X: x.Float(), Z: z.Float()},
		})
	}
	return snap, nil
}
