package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

// Filters restrict which events a subscription receives. Empty sets match
// everything.
type Filters struct {
	resourceIDs   map[string]struct{}
	resourceTypes map[string]struct{}
}

// ParseFilters accepts the stream.subscribe filters object. Both singular
// and plural keys are honored, and values may be a string or string array.
func ParseFilters(raw json.RawMessage) (Filters, *protocol.Error) {
	filters := Filters{
		resourceIDs:   make(map[string]struct{}),
		resourceTypes: make(map[string]struct{}),
	}
	if len(raw) == 0 {
		return filters, nil
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return Filters{}, protocol.NewInvalidParams("stream.subscribe filters must be an object").
			WithDetails(map[string]any{"filters": json.RawMessage(raw)})
	}

	for _, key := range []string{"resourceId", "resourceIds", "taskId", "taskIds"} {
		if err := parseFilterSet(object, key, filters.resourceIDs); err != nil {
			return Filters{}, err
		}
	}
	for _, key := range []string{"resourceType", "resourceTypes"} {
		if err := parseFilterSet(object, key, filters.resourceTypes); err != nil {
			return Filters{}, err
		}
	}
	return filters, nil
}

func (f Filters) matches(event Event) bool {
	if len(f.resourceIDs) > 0 {
		if _, ok := f.resourceIDs[event.Resource.ID]; !ok {
			return false
		}
	}
	if len(f.resourceTypes) > 0 {
		if _, ok := f.resourceTypes[event.Resource.Type]; !ok {
			return false
		}
	}
	return true
}

func parseFilterSet(object map[string]json.RawMessage, key string, target map[string]struct{}) *protocol.Error {
	value, ok := object[key]
	if !ok {
		return nil
	}

	var single string
	if err := json.Unmarshal(value, &single); err == nil {
		if strings.TrimSpace(single) != "" {
			target[single] = struct{}{}
		}
		return nil
	}

	var values []json.RawMessage
	if err := json.Unmarshal(value, &values); err == nil {
		for _, item := range values {
			var entry string
			if err := json.Unmarshal(item, &entry); err != nil {
				return protocol.NewInvalidParams(
					fmt.Sprintf("filters.%s entries must be strings", key))
			}
			if strings.TrimSpace(entry) != "" {
				target[entry] = struct{}{}
			}
		}
		return nil
	}

	return protocol.NewInvalidParams(
		fmt.Sprintf("filters.%s must be a string or string array", key))
}

func normalizeTopics(topics []string) ([]string, *protocol.Error) {
	if len(topics) == 0 {
		return nil, protocol.NewInvalidParams("stream.subscribe requires at least one topic")
	}

	accepted := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		if !protocol.IsKnownTopic(topic) {
			return nil, protocol.NewInvalidParams(
				fmt.Sprintf("unknown stream topic '%s'", topic)).
				WithDetails(map[string]any{"topic": topic, "knownTopics": protocol.StreamTopics})
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		accepted = append(accepted, topic)
	}
	return accepted, nil
}

// cursorSequence extracts the sequence from a cursor. The sequence is the
// segment after the last '-'.
func cursorSequence(cursor string) (uint64, *protocol.Error) {
	idx := strings.LastIndex(cursor, "-")
	if idx >= 0 {
		if sequence, err := strconv.ParseUint(cursor[idx+1:], 10, 64); err == nil {
			return sequence, nil
		}
	}
	return 0, protocol.NewInvalidParams("cursor must match '<epochMillis>-<sequence>' format").
		WithDetails(map[string]any{"cursor": cursor})
}

func validateCursor(cursor string) *protocol.Error {
	_, err := cursorSequence(cursor)
	return err
}

func cursorIsOlder(candidate, current string) (bool, *protocol.Error) {
	candidateSequence, err := cursorSequence(candidate)
	if err != nil {
		return false, err
	}
	currentSequence, err := cursorSequence(current)
	if err != nil {
		return false, err
	}
	return candidateSequence < currentSequence, nil
}
