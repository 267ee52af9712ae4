package reportstore

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Open returns a store for an address of the form "backend:rest":
//
//	bolt:path/to/reports.db
//	redis:localhost:6379/0
//	mem:
//
// Deployments pick a backend per store in the configuration, a single process
// can use several.
func Open(address string) (DB, error) {
	backend, rest, ok := strings.Cut(address, ":")
	if !ok {
		return nil, fmt.Errorf("malformed store address %q, expected backend:rest", address)
	}
	switch backend {
	case "bolt":
		if rest == "" {
			return nil, fmt.Errorf("bolt store address without path")
		}
		return OpenBolt(rest), nil
	case "redis":
		addr := rest
		db := 0
		if a, d, ok := strings.Cut(rest, "/"); ok {
			if _, err := fmt.Sscanf(d, "%d", &db); err != nil {
				return nil, fmt.Errorf("malformed redis database in store address %q: %v", address, err)
			}
			addr = a
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
		return OpenRedis(rdb, "mailreport"), nil
	case "mem":
		return NewMem(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}
