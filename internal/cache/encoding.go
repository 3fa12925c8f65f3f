package cache

import "strings"

// Question-id sequences are stored as comma-joined strings; ids are UUIDs and
// never contain commas.

func encodeIDs(ids []string) string {
	return strings.Join(ids, ",")
}

func decodeIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
