// Package build groups hosts by their resolved swpins and builds each
// group with one builder invocation, recording a build generation for
// every host.
package build

import (
	"encoding/hex"
	"encoding/json"
	"maps"

	"github.com/zeebo/blake3"
)

// Group is a set of hosts built with identical swpins.
type Group struct {
	// ID fingerprints Pins.
	ID    string
	Hosts []string
	Pins  map[string]string
}

// GroupHosts partitions hosts so that two hosts share a group exactly when
// their name->path pin maps are equal. Groups are ordered by the first
// occurrence of their pins in hosts, and hosts keep their order within a
// group.
func GroupHosts(hosts []string, pins map[string]map[string]string) []Group {
	var (
		groups []Group
		index  = map[string]int{}
	)
	for _, h := range hosts {
		key := canonical(pins[h])
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{ID: fingerprint(key), Pins: maps.Clone(pins[h])})
			if groups[i].Pins == nil {
				groups[i].Pins = map[string]string{}
			}
		}
		groups[i].Hosts = append(groups[i].Hosts, h)
	}
	return groups
}

// canonical encodes m with sorted keys. A nil and an empty map are equal.
func canonical(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func fingerprint(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
