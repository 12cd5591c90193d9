package orchestrator

import (
	"fmt"

	"github.com/Jeffail/gabs/v2"
)

// ValidateDefinition sanity-checks an authored flow definition before it is
// stored: nodes must exist with unique, non-empty ids, and every global
// intent must target a real node. Node types are deliberately not checked;
// unknown types degrade to the fallback at execution time.
func ValidateDefinition(raw []byte) error {
	parsed, err := gabs.ParseJSON(raw)
	if err != nil {
		return fmt.Errorf("definition is not valid JSON: %w", err)
	}

	if !parsed.ExistsP("nodes") {
		return fmt.Errorf("definition has no nodes")
	}
	nodes := parsed.Path("nodes").Children()
	if len(nodes) == 0 {
		return fmt.Errorf("definition has an empty node list")
	}

	ids := make(map[string]bool, len(nodes))
	for i, node := range nodes {
		id, ok := node.Path("id").Data().(string)
		if !ok || id == "" {
			return fmt.Errorf("node %d has no id", i)
		}
		if ids[id] {
			return fmt.Errorf("duplicate node id %q", id)
		}
		ids[id] = true
	}

	if parsed.ExistsP("global_intents") {
		globals, ok := parsed.Path("global_intents").Data().(map[string]any)
		if !ok {
			return fmt.Errorf("global_intents must be an object")
		}
		for intent, target := range globals {
			targetID, ok := target.(string)
			if !ok || targetID == "" {
				return fmt.Errorf("global intent %q has no target node", intent)
			}
			if !ids[targetID] {
				return fmt.Errorf("global intent %q targets unknown node %q", intent, targetID)
			}
		}
	}

	return nil
}
