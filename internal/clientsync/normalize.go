package clientsync

import "fmt"

// Normalize folds the two legacy command shapes into the flat {type, ...}
// form and returns the message type. An empty type means the frame is not a
// command at all.
//
//	{serviceName:"state", action:"bluetooth:X", data}  → {type:"bluetooth:X", ...data}
//	{type:"command", service:"bluetooth", action:"X", data} → {type:"bluetooth:X", ...data}
func Normalize(msg map[string]any) (string, map[string]any) {
	if serviceName, ok := msg["serviceName"].(string); ok && serviceName == "state" {
		action, _ := msg["action"].(string)
		if action == "" {
			return "", nil
		}
		return action, flatten(action, msg)
	}

	msgType, _ := msg["type"].(string)
	if msgType == "command" {
		service, _ := msg["service"].(string)
		action, _ := msg["action"].(string)
		if service == "" || action == "" {
			return "", nil
		}
		qualified := fmt.Sprintf("%s:%s", service, action)
		return qualified, flatten(qualified, msg)
	}

	if msgType == "" {
		return "", nil
	}
	return msgType, msg
}

// flatten hoists the data payload next to the rewritten type, keeping the
// requestId when the caller tagged one.
func flatten(msgType string, msg map[string]any) map[string]any {
	out := map[string]any{"type": msgType}
	if data, ok := msg["data"].(map[string]any); ok {
		for k, v := range data {
			out[k] = v
		}
		// Typed handlers that expect the nested form still find it.
		out["data"] = data
	}
	if requestID, ok := msg["requestId"]; ok {
		out["requestId"] = requestID
	}
	return out
}
