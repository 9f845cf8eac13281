package conductor

import (
	"encoding/json"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/tidwall/gjson"

	"github.com/anthive/orchestrator/common/faults"
)

// seedContext builds the initial run context from the input document. An
// object becomes the context directly; anything else lands under "input".
func seedContext(input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !gjson.ValidBytes(input) {
		return nil, faults.Validation("workflow input is not valid JSON")
	}
	if gjson.ParseBytes(input).IsObject() {
		return input, nil
	}
	doc, err := json.Marshal(map[string]json.RawMessage{"input": input})
	if err != nil {
		return nil, faults.Permanent(err, "encode run context")
	}
	return doc, nil
}

// mergeResult folds one node result into the run context. Scalars merge
// last-writer-wins through a JSON merge patch, findings append with node
// and agent attribution, and the modified-file list unions as a sorted
// set. The findings and files_modified keys of the result document are
// stripped first so the parsed fields stay authoritative.
func mergeResult(contextDoc json.RawMessage, nodeID string, res *NodeResult) (json.RawMessage, error) {
	base := contextDoc
	if len(base) == 0 {
		base = json.RawMessage(`{}`)
	}

	if len(res.ResultJSON) > 0 && gjson.ValidBytes(res.ResultJSON) && gjson.ParseBytes(res.ResultJSON).IsObject() {
		var doc map[string]any
		if err := json.Unmarshal(res.ResultJSON, &doc); err != nil {
			return nil, faults.Permanent(err, "decode node %s result", nodeID)
		}
		delete(doc, "findings")
		delete(doc, "files_modified")
		patch, err := json.Marshal(doc)
		if err != nil {
			return nil, faults.Permanent(err, "encode node %s result patch", nodeID)
		}
		merged, err := jsonpatch.MergePatch(base, patch)
		if err != nil {
			return nil, faults.Permanent(err, "merge node %s result into context", nodeID)
		}
		base = merged
	}

	if len(res.Findings) == 0 && len(res.FilesModified) == 0 {
		return base, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, faults.Permanent(err, "decode run context")
	}

	if len(res.Findings) > 0 {
		list, _ := doc["findings"].([]any)
		for _, f := range res.Findings {
			entry := map[string]any{
				"kind":    string(f.Kind),
				"content": f.Content,
				"node_id": nodeID,
			}
			if res.AgentID != "" {
				entry["agent_id"] = res.AgentID
			}
			list = append(list, entry)
		}
		doc["findings"] = list
	}

	if len(res.FilesModified) > 0 {
		set := make(map[string]bool, len(res.FilesModified))
		if prior, ok := doc["files_modified"].([]any); ok {
			for _, v := range prior {
				if s, ok := v.(string); ok {
					set[s] = true
				}
			}
		}
		for _, f := range res.FilesModified {
			set[f] = true
		}
		files := make([]string, 0, len(set))
		for f := range set {
			files = append(files, f)
		}
		sort.Strings(files)
		doc["files_modified"] = files
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, faults.Permanent(err, "encode run context")
	}
	return out, nil
}
