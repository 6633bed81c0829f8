package agent

import "encoding/json"

// decodeJSONLine decodes a single JSONL line into dst. Lines that fail to
// parse (partial writes, non-JSON progress text some CLIs interleave on
// stdout) are the caller's responsibility to skip, mirroring baiirun-aetherflow's
// ParseToolCalls behavior of counting and ignoring unparsable lines instead
// of failing the whole stream.
func decodeJSONLine(line []byte, dst *map[string]any) error {
	return json.Unmarshal(line, dst)
}
